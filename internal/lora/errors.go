package lora

import "errors"

// Configuration and structural failures are fatal and never retried.
// Idempotence cases (re-merge, re-register) are warnings, not errors.
var (
	// ErrMissingConfig: AddAdapter called for an unseen name without a config.
	ErrMissingConfig = errors.New("adapter config must be provided")

	// ErrUnresolvedTargets: no explicit targets and the model family has
	// no entry in the default target table.
	ErrUnresolvedTargets = errors.New("target modules unresolved for model family")

	// ErrBiasConflict: more than one adapter registered while any config
	// uses a bias mode other than "none".
	ErrBiasConflict = errors.New("multiple adapters require bias mode \"none\"")

	// ErrNoTargetsMatched: an injection scan matched zero modules.
	ErrNoTargetsMatched = errors.New("target modules not found in the base model")

	// ErrUnsupportedLayerKind: a matched module is not a kind adapters
	// can wrap.
	ErrUnsupportedLayerKind = errors.New("unsupported target layer kind")

	// ErrUnsupportedMerge: the model family cannot be merged.
	ErrUnsupportedMerge = errors.New("model family does not support merging")

	// ErrQuantizedMerge: merge is undefined on quantized weight storage.
	ErrQuantizedMerge = errors.New("cannot merge with quantized base weights")

	// ErrRankMismatch: weighted combination requires identical ranks.
	ErrRankMismatch = errors.New("all adapters must have the same rank")

	// ErrInvalidBiasPolicy: bias mode outside {none, all, lora_only}.
	ErrInvalidBiasPolicy = errors.New("invalid bias mode")
)
