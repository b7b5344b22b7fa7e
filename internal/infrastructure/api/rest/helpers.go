package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// SuccessResponse is the standard response envelope, matching the
// teacher's internal/infrastructure/api/rest/helpers.go.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

func respondJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, SuccessResponse{Data: data})
}

func respondAPIError(c *gin.Context, err error) {
	apiErr := TranslateError(err)
	c.JSON(apiErr.HTTPStatus, apiErr)
}

func bindJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil {
		var ve validator.ValidationErrors
		if ok := errors.As(err, &ve); ok {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				field := strings.ToLower(fe.Field())
				switch fe.Tag() {
				case "required":
					msgs = append(msgs, fmt.Sprintf("%s is required", field))
				default:
					msgs = append(msgs, fmt.Sprintf("%s is invalid", field))
				}
			}
			c.JSON(http.StatusBadRequest, NewAPIError("VALIDATION_FAILED", strings.Join(msgs, "; "), http.StatusBadRequest))
		} else {
			respondAPIError(c, ErrInvalidJSON)
		}
		return err
	}
	return nil
}
