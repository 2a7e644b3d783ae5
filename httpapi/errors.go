package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/goliatone/go-dispatch/core"
)

type errorBody struct {
	Code     int    `json:"code"`
	TextCode string `json:"text_code"`
	Message  string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError renders err in the dispatch envelope and aborts the chain.
func writeError(c *gin.Context, err error) {
	mapped := core.MapError(err)
	status := mapped.Code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	message := strings.TrimSpace(mapped.Message)
	if message == "" {
		message = http.StatusText(status)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorEnvelope{Error: errorBody{
		Code:     status,
		TextCode: mapped.TextCode,
		Message:  message,
	}})
}
