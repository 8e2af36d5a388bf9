package tstypes

import "errors"

// ErrUnknownModel is the shared sentinel every component returns when
// asked to price or budget-check a model id with no pricing entry. The
// root package re-exports it as tokenshield.ErrUnknownModel.
var ErrUnknownModel = errors.New("tokenshield: unknown model")
