package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

var errBadRequestBody = errors.New("invalid request body")

// badBody wraps cause so that errors.Unwrap yields it and errors.Is
// matches errBadRequestBody.
type badBody struct{ cause error }

func (b *badBody) Error() string        { return fmt.Sprintf("%v: %v", errBadRequestBody, b.cause) }
func (b *badBody) Unwrap() error        { return b.cause }
func (b *badBody) Is(target error) bool { return target == errBadRequestBody }

// bindJSON decodes the body into obj rejecting unknown fields, then runs
// gin's struct validation.
func bindJSON(c *gin.Context, obj any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(obj); err != nil {
		if errors.Is(err, io.EOF) {
			return &badBody{cause: errors.New("empty body")}
		}
		return &badBody{cause: err}
	}
	if dec.More() {
		return &badBody{cause: errors.New("trailing data after JSON object")}
	}
	if binding.Validator != nil {
		if err := binding.Validator.ValidateStruct(obj); err != nil {
			return &badBody{cause: err}
		}
	}
	return nil
}
