package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/depotwatch/internal/errors"
)

var httpErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder swaps the function handlers use to report errors.
// nil restores the default.
func SetHTTPErrorResponder(fn func(http.ResponseWriter, *http.Request, error)) {
	if fn == nil {
		ResetHTTPErrorResponder()
		return
	}
	httpErrorResponder = fn
}

func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
