package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iofold/iofold-jobs/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondAPIError maps err through apierr, answering 500 with fallbackCode
// when err carries no HTTP mapping.
func RespondAPIError(c *gin.Context, err error, fallbackCode string) {
	ae := apierr.As(err, fallbackCode)
	RespondError(c, ae.Status, ae.Code, ae)
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func Respond(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}
