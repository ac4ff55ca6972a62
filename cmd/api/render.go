package main

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"leadflow/apperr"
	"leadflow/logger"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type errorBody struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []fieldDetail `json:"details,omitempty"`
}

type fieldDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"requestId,omitempty"`
}

// setupValidator makes validation errors report JSON field names.
func setupValidator() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				name = strings.SplitN(fld.Tag.Get("form"), ",", 2)[0]
			}
			return name
		})
	}
}

// respondError maps err onto the error envelope. Internal errors are logged
// and never leak their cause.
func respondError(c *gin.Context, err error) {
	resolved := apperr.Resolve(err)
	status := apperr.HTTPStatus(resolved.Kind)

	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("request failed",
			zap.String("code", resolved.Code),
			zap.Error(err),
		)
	}
	_ = c.Error(err)

	c.AbortWithStatusJSON(status, errorResponse{
		Error:     errorBody{Code: resolved.Code, Message: resolved.Message},
		RequestID: c.GetString(logger.RequestIDKey),
	})
}

// respondBindError renders JSON decoding and validator failures as 400.
func respondBindError(c *gin.Context, err error) {
	body := errorBody{Code: apperr.CodeValidation, Message: "request validation failed"}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			body.Details = append(body.Details, fieldDetail{Field: e.Field(), Message: validationMessage(e)})
		}
	} else {
		body.Message = "malformed request body"
	}
	_ = c.Error(err)

	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
		Error:     body,
		RequestID: c.GetString(logger.RequestIDKey),
	})
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Invalid email format"
	case "uuid":
		return "Invalid UUID format"
	case "max":
		if e.Type().Kind() == reflect.String {
			return "Must be at most " + e.Param() + " characters"
		}
		return "Must be at most " + e.Param()
	case "min":
		return "Must be at least " + e.Param()
	default:
		return "Invalid value"
	}
}
