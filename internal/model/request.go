package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxMessageContentBytes caps the size of a single message's content.
const MaxMessageContentBytes = 100000

// MaxConversationIDBytes caps caller-supplied conversation ids. Ids are
// otherwise opaque; backends map them onto their own key alphabets.
const MaxConversationIDBytes = 1024

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxMessageContentBytes
	})
	_ = validate.RegisterValidation("conversationid", func(fl validator.FieldLevel) bool {
		return ValidConversationID(fl.Field().String())
	})
	validate.RegisterStructValidation(validateMessage, Message{})
}

// validateMessage requires content on user turns only. Assistant and system
// turns may be empty, since a completion can legitimately produce no text and
// the saved log must be accepted back as input.
func validateMessage(sl validator.StructLevel) {
	m := sl.Current().Interface().(Message)
	if m.Role == RoleUser && m.Content == "" && len(m.Attachments) == 0 {
		sl.ReportError(m.Content, "content", "Content", "required", "")
	}
}

// ValidConversationID reports whether id is usable as a conversation key:
// non-empty and at most MaxConversationIDBytes long.
func ValidConversationID(id string) bool {
	return id != "" && len(id) <= MaxConversationIDBytes
}

// ChatRequest is the body of a chat completion request.
type ChatRequest struct {
	ID       string    `json:"id,omitempty" validate:"omitempty,conversationid"`
	Messages []Message `json:"messages" validate:"required,min=1,dive"`
}

// Validate checks the request shape. Failures wrap ErrInvalidRequest.
func (r *ChatRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, describe(err))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "min":
			parts = append(parts, field+" must not be empty")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "maxbytes":
			parts = append(parts, fmt.Sprintf("%s exceeds %d bytes", field, MaxMessageContentBytes))
		case "conversationid":
			parts = append(parts, fmt.Sprintf("%s exceeds %d bytes", field, MaxConversationIDBytes))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
