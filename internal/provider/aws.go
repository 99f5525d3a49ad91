package provider

import (
	"errors"
	"net"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// transientAWSCodes are service error codes that indicate a temporary
// condition on the AWS side.
var transientAWSCodes = map[string]bool{
	"ThrottlingException":         true,
	"TooManyRequestsException":    true,
	"ServiceUnavailableException": true,
	"ServiceUnavailable":          true,
	"InternalServerException":     true,
	"InternalError":               true,
	"ModelNotReadyException":      true,
	"ModelTimeoutException":       true,
	"SlowDown":                    true,
	"RequestTimeout":              true,
}

// ClassifyAWS wraps an error returned by an AWS SDK call into a classified
// *Error. A nil err yields nil.
func ClassifyAWS(c Capability, op string, err error) error {
	if err == nil {
		return nil
	}
	if perr := ClassifyContext(c, op, err); perr != nil {
		return perr
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientAWSCodes[apiErr.ErrorCode()] {
			return NewTransient(c, op, err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return NewTransient(c, op, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return &Error{Capability: c, Kind: ClassifyHTTPStatus(respErr.HTTPStatusCode()), Op: op, Err: err}
	}

	if apiErr != nil {
		return NewPermanent(c, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransient(c, op, err)
	}
	return NewPermanent(c, op, err)
}
