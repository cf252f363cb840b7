package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Sternrassler/searchconsole-client/pkg/batch"
	"github.com/Sternrassler/searchconsole-client/pkg/query"
	"github.com/Sternrassler/searchconsole-client/pkg/retry"
	"github.com/Sternrassler/searchconsole-client/pkg/rows"
	"github.com/Sternrassler/searchconsole-client/pkg/transport"
)

// Common errors returned by the client.
var (
	// ErrInvalidConfig is returned for client configuration errors. They
	// are never retried.
	ErrInvalidConfig = errors.New("invalid client configuration")

	// ErrSiteNotAccessible is returned when a site is not listed for the
	// credentials or is unverified.
	ErrSiteNotAccessible = errors.New("site not accessible")

	// ErrRetryExhausted is returned when all retry attempts of a physical
	// call are exhausted.
	ErrRetryExhausted = retry.ErrRetryExhausted

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = retry.ErrContextCancelled
)

// ErrorClass represents the error taxonomy of a report.
type ErrorClass string

const (
	// ErrorClassConfig represents invalid parameters or configuration.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassQuota represents an exhausted upstream quota.
	ErrorClassQuota ErrorClass = "quota"

	// ErrorClassTransient represents connection and server failures.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent represents a day or window that failed after
	// the whole retry cascade.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled represents a cancelled context.
	ErrorClassCancelled ErrorClass = "cancelled"

	// ErrorClassData represents a malformed upstream row.
	ErrorClassData ErrorClass = "data"
)

// Classify maps an error yielded by a report to its class. It returns ""
// for nil.
func Classify(err error) ErrorClass {
	var itemErr *batch.ItemError
	var rowErr *rows.RowError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, query.ErrInvalidParams):
		return ErrorClassConfig
	case errors.As(err, &itemErr):
		return ErrorClassPermanent
	case errors.Is(err, ErrContextCancelled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassCancelled
	case transport.IsQuota(err):
		return ErrorClassQuota
	case errors.As(err, &rowErr):
		return ErrorClassData
	default:
		return ErrorClassTransient
	}
}

// IsPermanent reports whether err is a permanently failed day or window.
func IsPermanent(err error) bool {
	var itemErr *batch.ItemError
	return errors.As(err, &itemErr)
}

// configError converts validator output into an ErrInvalidConfig error
// naming the first failing field.
func configError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, len(verrs))
		for i, fe := range verrs {
			fields[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
}
