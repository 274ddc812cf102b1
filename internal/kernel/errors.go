package kernel

import "errors"

// Sentinel errors for the kernel's stores. Callers use errors.Is against
// these; WAL corruption is reported out-of-band via Logger, not returned,
// per the replay-tolerance contract.
var (
	ErrThreadNotFound       = errors.New("kernel: thread not found")
	ErrThreadTableFull      = errors.New("kernel: thread table full")
	ErrContextNotFound      = errors.New("kernel: context segment not found")
	ErrJournalEntryNotFound = errors.New("kernel: journal entry not found")
	ErrInvalidData          = errors.New("kernel: invalid data")
)
