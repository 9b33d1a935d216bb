// Package shipping models the buyer's delivery destination.
//
// Info is an immutable value: every edit goes through With, which returns a
// new copy, so a form can be replaced wholesale but never mutated in place.
package shipping

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

// Field names a shipping form field. The value doubles as the JSON key.
type Field string

const (
	FieldEmail      Field = "email"
	FieldName       Field = "name"
	FieldAddress    Field = "address"
	FieldCity       Field = "city"
	FieldState      Field = "state"
	FieldPostalCode Field = "zipCode"
	FieldCountry    Field = "country"
)

// Fields lists every field in form order.
var Fields = []Field{
	FieldEmail, FieldName, FieldAddress, FieldCity, FieldState, FieldPostalCode, FieldCountry,
}

// Info is the shipping destination. All fields are required; presence is the
// only rule, address and email formats are left to the input controls.
type Info struct {
	Email      string `json:"email" firestore:"email" validate:"notblank"`
	Name       string `json:"name" firestore:"name" validate:"notblank"`
	Address    string `json:"address" firestore:"address" validate:"notblank"`
	City       string `json:"city" firestore:"city" validate:"notblank"`
	State      string `json:"state" firestore:"state" validate:"notblank"`
	PostalCode string `json:"zipCode" firestore:"zipCode" validate:"notblank"`
	Country    string `json:"country" firestore:"country" validate:"notblank"`
}

// ErrUnknownField is returned by Set for a field name outside Fields.
var ErrUnknownField = errors.New("unknown shipping field")

// With returns a copy of i with field f set to value. Values are NFC
// normalized so visually identical input compares equal downstream.
// Unknown fields leave the copy unchanged.
func (i Info) With(f Field, value string) Info {
	value = norm.NFC.String(value)
	switch f {
	case FieldEmail:
		i.Email = value
	case FieldName:
		i.Name = value
	case FieldAddress:
		i.Address = value
	case FieldCity:
		i.City = value
	case FieldState:
		i.State = value
	case FieldPostalCode:
		i.PostalCode = value
	case FieldCountry:
		i.Country = value
	}
	return i
}

// Set is With for callers holding a field name from outside the package
// (form posts, flags). It rejects names that are not in Fields.
func (i Info) Set(name string, value string) (Info, error) {
	f := Field(name)
	for _, known := range Fields {
		if f == known {
			return i.With(f, value), nil
		}
	}
	return i, ErrUnknownField
}

// Get returns the value of field f.
func (i Info) Get(f Field) string {
	switch f {
	case FieldEmail:
		return i.Email
	case FieldName:
		return i.Name
	case FieldAddress:
		return i.Address
	case FieldCity:
		return i.City
	case FieldState:
		return i.State
	case FieldPostalCode:
		return i.PostalCode
	case FieldCountry:
		return i.Country
	}
	return ""
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func formValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(sf reflect.StructField) string {
			name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
			return name
		})
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		validate = v
	})
	return validate
}

// Missing returns the blank fields of info in form order.
func Missing(info Info) []Field {
	err := formValidator().Struct(info)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return append([]Field(nil), Fields...)
	}
	missing := make([]Field, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, Field(fe.Field()))
	}
	return missing
}

// IsComplete reports whether every field is a non-empty trimmed string.
func IsComplete(info Info) bool {
	return len(Missing(info)) == 0
}

// IncompleteError lists the fields still blank when the form was submitted.
type IncompleteError struct {
	Missing []Field
}

func (e *IncompleteError) Error() string {
	names := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		names[i] = string(f)
	}
	return "Please complete all shipping fields: " + strings.Join(names, ", ")
}

// Check returns an *IncompleteError when info is not complete.
func Check(info Info) error {
	if missing := Missing(info); len(missing) > 0 {
		return &IncompleteError{Missing: missing}
	}
	return nil
}

// Metadata keys used when the destination travels with a payment intent.
const (
	MetaEmail      = "shipping_email"
	MetaName       = "shipping_name"
	MetaAddress    = "shipping_address"
	MetaCity       = "shipping_city"
	MetaState      = "shipping_state"
	MetaPostalCode = "shipping_zip"
	MetaCountry    = "shipping_country"
)

// Metadata flattens info into processor metadata.
func (i Info) Metadata() map[string]string {
	return map[string]string{
		MetaEmail:      i.Email,
		MetaName:       i.Name,
		MetaAddress:    i.Address,
		MetaCity:       i.City,
		MetaState:      i.State,
		MetaPostalCode: i.PostalCode,
		MetaCountry:    i.Country,
	}
}

// FromMetadata rebuilds Info from processor metadata written by Metadata.
func FromMetadata(meta map[string]string) Info {
	return Info{
		Email:      meta[MetaEmail],
		Name:       meta[MetaName],
		Address:    meta[MetaAddress],
		City:       meta[MetaCity],
		State:      meta[MetaState],
		PostalCode: meta[MetaPostalCode],
		Country:    meta[MetaCountry],
	}
}
