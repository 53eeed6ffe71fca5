package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Ledger failure taxonomy. Callers wrap these with fmt.Errorf("%w: detail")
// and match with errors.Is.
var (
	ErrorInvalidInput         = errors.New("invalid input")
	ErrorReferentialIntegrity = errors.New("referential integrity violation")
	ErrorInsufficientBalance  = errors.New("insufficient balance")
	ErrorInvalidState         = errors.New("invalid state")
	ErrorTransactionFailed    = errors.New("transaction failed")
	ErrorAlreadyReconciled    = errors.New("already reconciled")
)

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
