package restapi

import (
	"net/http"

	"github.com/akam1o/arca-storage/pkg/errs"
)

// statusForKind maps an errs.Kind to the HTTP status code the REST
// surface uses: 404 for missing, 409 differentiated by message between
// resource-already-exists and network-resource-conflict so CSI callers
// can decide whether to retry.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.AlreadyExists:
		return http.StatusConflict
	case errs.NetworkConflict:
		return http.StatusConflict
	case errs.Capacity:
		return http.StatusInsufficientStorage
	case errs.Transient:
		return http.StatusServiceUnavailable
	case errs.StateMachine:
		return http.StatusServiceUnavailable
	case errs.Corruption:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
