package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/strato-hq/strato/internal/logger"
)

// ErrorHandler converts the last error on the gin context into a consistent
// JSON response, logging at warn for 4xx and error for 5xx.
func ErrorHandler() gin.HandlerFunc {
	log := logger.HTTP()
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last()
		requestID := c.GetString("request_id")

		if apiErr, ok := err.Err.(*Error); ok {
			if apiErr.Kind == KindInternal && apiErr.CorrelationID == "" {
				apiErr = apiErr.WithCorrelationID(requestID)
			}
			event := log.Warn()
			if apiErr.StatusCode >= 500 {
				event = log.Error()
			}
			event.Str("kind", string(apiErr.Kind)).Str("request_id", requestID).
				Str("details", apiErr.Details).Msg(apiErr.Message)
			c.JSON(apiErr.StatusCode, apiErr.ToResponse())
			return
		}

		log.Error().Str("request_id", requestID).Err(err.Err).Msg("unhandled error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Kind:          string(KindInternal),
			Message:       "an unexpected error occurred",
			CorrelationID: requestID,
		})
	}
}

// Recovery recovers from panics in handlers, logging and responding Internal.
func Recovery() gin.HandlerFunc {
	log := logger.HTTP()
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				requestID := c.GetString("request_id")
				log.Error().Str("request_id", requestID).Interface("panic", r).Msg("recovered panic")
				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Kind:          string(KindInternal),
					Message:       "an unexpected error occurred",
					CorrelationID: requestID,
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HandleError records err on the context and writes its JSON response.
func HandleError(c *gin.Context, err error) {
	if apiErr, ok := err.(*Error); ok {
		c.Error(apiErr)
		c.JSON(apiErr.StatusCode, apiErr.ToResponse())
		return
	}
	internalErr := Internal(err.Error(), err)
	c.Error(internalErr)
	c.JSON(internalErr.StatusCode, internalErr.ToResponse())
}

// AbortWithError aborts the request immediately with err's JSON response.
func AbortWithError(c *gin.Context, err *Error) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
