package models

type TreasuryType string

const (
	TreasuryTypeCash     TreasuryType = "cash"
	TreasuryTypeBank     TreasuryType = "bank"
	TreasuryTypeWallet   TreasuryType = "wallet"
	TreasuryTypeExchange TreasuryType = "exchange"
)

func (t TreasuryType) IsValid() bool {
	switch t {
	case TreasuryTypeCash, TreasuryTypeBank, TreasuryTypeWallet, TreasuryTypeExchange:
		return true
	}
	return false
}

// AllowsOverdraft reports whether a treasury of this type may go negative.
// Exchange accounts are the only credit-line-like treasuries.
func (t TreasuryType) AllowsOverdraft() bool {
	return t == TreasuryTypeExchange
}

type VoucherKind string

const (
	VoucherKindReceipt VoucherKind = "receipt"
	VoucherKindPayment VoucherKind = "payment"
)

func (k VoucherKind) IsValid() bool {
	return k == VoucherKindReceipt || k == VoucherKindPayment
}

type VoucherStatus string

const (
	VoucherStatusDraft     VoucherStatus = "draft"
	VoucherStatusConfirmed VoucherStatus = "confirmed"
	VoucherStatusCancelled VoucherStatus = "cancelled"
)

type CounterpartyType string

const (
	CounterpartyTypePerson       CounterpartyType = "person"
	CounterpartyTypeEntity       CounterpartyType = "entity"
	CounterpartyTypeIntermediary CounterpartyType = "intermediary"
	CounterpartyTypeOther        CounterpartyType = "other"
)

func (c CounterpartyType) IsValid() bool {
	switch c {
	case CounterpartyTypePerson, CounterpartyTypeEntity, CounterpartyTypeIntermediary, CounterpartyTypeOther:
		return true
	}
	return false
}

type ReconciliationStatus string

const (
	ReconciliationStatusProposed  ReconciliationStatus = "proposed"
	ReconciliationStatusConfirmed ReconciliationStatus = "confirmed"
	ReconciliationStatusRejected  ReconciliationStatus = "rejected"
)

type MatchConfidence string

const (
	MatchConfidenceHigh   MatchConfidence = "high"
	MatchConfidenceMedium MatchConfidence = "medium"
	MatchConfidenceLow    MatchConfidence = "low"
)

type TreasuryMovementType string

const (
	TreasuryMovementTypeReceipt     TreasuryMovementType = "receipt"
	TreasuryMovementTypePayment     TreasuryMovementType = "payment"
	TreasuryMovementTypeTransferIn  TreasuryMovementType = "transfer_in"
	TreasuryMovementTypeTransferOut TreasuryMovementType = "transfer_out"
	TreasuryMovementTypeOpening     TreasuryMovementType = "opening"
)

// IsInflow reports whether the movement increases the treasury balance.
func (m TreasuryMovementType) IsInflow() bool {
	switch m {
	case TreasuryMovementTypeReceipt, TreasuryMovementTypeTransferIn, TreasuryMovementTypeOpening:
		return true
	}
	return false
}
