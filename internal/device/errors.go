package device

import (
	"strings"

	"github.com/hashicorp/go-multierror"
)

// AppendError collects err into errs using a single-line format suited to log attributes.
func AppendError(errs *multierror.Error, err error) *multierror.Error {
	errs = multierror.Append(errs, err)
	errs.ErrorFormat = listFormat
	return errs
}

func listFormat(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}
