package processor

import "errors"

// Message-rejection and business-rejection error classes (§7). These are
// logged and dropped; the processor never replies to a rejected sender, to
// avoid amplification.
var (
	ErrBadSender               = errors.New("processor: malformed fromWalletAddr")
	ErrUnsigned                = errors.New("processor: missing signature")
	ErrBadSignature            = errors.New("processor: signature verification failed")
	ErrUnknownRole             = errors.New("processor: unknown role")
	ErrMessageNotAddressedHere = errors.New("processor: message not addressed to this node")

	ErrNotOptedIn      = errors.New("processor: sender not opted in to protocol asset")
	ErrNoQuoteProduced = errors.New("processor: no creation function produced a quote")
	ErrModelNotServed  = errors.New("processor: requested model is not served")

	ErrUnderfunded     = errors.New("processor: contract underfunded")
	ErrInferenceFailed = errors.New("processor: inference execution failed")
	ErrLedgerFailed    = errors.New("processor: ledger call failed")
)
