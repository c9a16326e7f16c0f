package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"

	"github.com/aws/smithy-go"

	"github.com/ignite/mailgate/internal/domain"
)

// Classify maps a raw driver error onto the gateway taxonomy. The category
// decides the worker's next move: RETRY for quota/transient/timeout, FAILED
// for everything else. Unrecognized errors classify as UNKNOWN_ERROR, which
// is retried but logged loudly upstream.
func Classify(kind domain.ProviderType, err error) *domain.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewTimeout(domain.CodeProviderTimeout,
			fmt.Sprintf("%s call exceeded its deadline", kind), err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewTimeout(domain.CodeProviderTimeout,
			fmt.Sprintf("%s call canceled", kind), err)
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		return classifySES(ae, err)
	}

	var pe *textproto.Error
	if errors.As(err, &pe) {
		return classifySMTP(pe, err)
	}

	var se *httpStatusError
	if errors.As(err, &se) {
		return classifyHTTP(se, err)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return domain.NewTimeout(domain.CodeProviderTimeout, "network timeout", err)
		}
		return domain.NewTransient(domain.CodeNetworkError, "network failure", err)
	}

	return domain.AsError(err)
}

// classifySES maps sesv2 API fault codes. The names come off the wire, so
// unknown codes degrade to UNKNOWN rather than guessing.
func classifySES(ae smithy.APIError, err error) *domain.Error {
	switch ae.ErrorCode() {
	case "MessageRejected":
		return domain.NewPermanent(domain.CodeProviderRejected, "message rejected by provider", err)
	case "AccountSuspendedException", "SendingPausedException":
		return domain.NewPermanent(domain.CodeProviderRejected, "account sending disabled", err)
	case "BadRequestException":
		return domain.NewPermanent(domain.CodeProviderRejected, "provider refused the request", err)
	case "MailFromDomainNotVerifiedException", "NotFoundException", "ConfigurationSetDoesNotExistException":
		return domain.NewConfiguration(domain.CodeProviderConfig, "provider configuration invalid", err)
	case "TooManyRequestsException", "Throttling", "ThrottlingException":
		return domain.NewQuota(domain.CodeProviderThrottling, "provider is throttling", err)
	case "LimitExceededException", "DailyQuotaExceededException":
		return domain.NewQuota(domain.CodeQuotaExceeded, "provider quota exceeded", err)
	case "InternalServiceErrorException", "ServiceUnavailableException":
		return domain.NewTransient(domain.CodeProviderUnavailable, "provider unavailable", err)
	default:
		return domain.AsError(err)
	}
}

// classifySMTP follows the reply-code contract: 4xx is a temporary refusal,
// 5xx is final.
func classifySMTP(pe *textproto.Error, err error) *domain.Error {
	switch {
	case pe.Code >= 400 && pe.Code < 500:
		if pe.Code == 421 || pe.Code == 452 {
			return domain.NewQuota(domain.CodeProviderThrottling,
				fmt.Sprintf("smtp %d: server asks to slow down", pe.Code), err)
		}
		return domain.NewTransient(domain.CodeProviderUnavailable,
			fmt.Sprintf("smtp %d: temporary refusal", pe.Code), err)
	case pe.Code >= 500:
		return domain.NewPermanent(domain.CodeProviderRejected,
			fmt.Sprintf("smtp %d: permanent refusal", pe.Code), err)
	default:
		return domain.AsError(err)
	}
}

func classifyHTTP(se *httpStatusError, err error) *domain.Error {
	switch {
	case se.Status == 401 || se.Status == 403:
		return domain.NewConfiguration(domain.CodeProviderConfig, "provider rejected credentials", err)
	case se.Status == 429:
		return domain.NewQuota(domain.CodeProviderThrottling, "provider is throttling", err)
	case se.Status >= 400 && se.Status < 500:
		return domain.NewPermanent(domain.CodeProviderRejected,
			fmt.Sprintf("provider returned %d", se.Status), err)
	case se.Status >= 500:
		return domain.NewTransient(domain.CodeProviderUnavailable,
			fmt.Sprintf("provider returned %d", se.Status), err)
	default:
		return domain.AsError(err)
	}
}

// httpStatusError carries a non-2xx response from the HTTP driver into
// classification.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}
