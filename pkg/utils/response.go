package utils

import (
	"net/http"
	"strings"
)

// ResponseData is the envelope of every REST response.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// StatusCode renders an HTTP status as a response code, e.g. 404 becomes
// NOT_FOUND.
func StatusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "ERROR"
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}
