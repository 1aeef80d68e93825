package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags first, then the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Backend == BackendS3 && c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket: required when backend is %q", BackendS3)
	}
	if len(c.Watchdog.Backoffs) > len(c.Watchdog.Timeouts) {
		return fmt.Errorf("watchdog.backoffs: %d entries for %d timeouts", len(c.Watchdog.Backoffs), len(c.Watchdog.Timeouts))
	}
	if c.Query.Advisory >= c.Query.Timeout {
		return fmt.Errorf("query.advisory: %s must be shorter than query.timeout %s", c.Query.Advisory, c.Query.Timeout)
	}
	return nil
}

func formatValidationError(err error) error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		e := errs[0]
		return fmt.Errorf("config %s: failed '%s' check (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
