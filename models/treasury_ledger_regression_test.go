package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/masaref/treasury_backend/config"
	"github.com/masaref/treasury_backend/models"
	"github.com/masaref/treasury_backend/utils"
	"github.com/masaref/treasury_backend/workflow"
	"github.com/shopspring/decimal"
)

// ledgerTestEnv boots MySQL+Redis in docker, migrates the schema and returns a
// tenant context plus two sub units with one treasury each.
func ledgerTestEnv(t *testing.T) (context.Context, *models.SubUnit, *models.SubUnit) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "treasury_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetBusinessIdInContext(ctx, "b7e2c7ce-0000-4000-8000-000000000001")

	north, err := models.CreateSubUnit(ctx, &models.NewSubUnit{Name: "North Office", Code: "NO"})
	if err != nil {
		t.Fatalf("CreateSubUnit north: %v", err)
	}
	south, err := models.CreateSubUnit(ctx, &models.NewSubUnit{Name: "South Office", Code: "SO"})
	if err != nil {
		t.Fatalf("CreateSubUnit south: %v", err)
	}
	return ctx, north, south
}

func mustCreateTreasury(t *testing.T, ctx context.Context, input *models.NewTreasury) *models.Treasury {
	t.Helper()
	treasury, err := models.CreateTreasury(ctx, input)
	if err != nil {
		t.Fatalf("CreateTreasury %s: %v", input.Code, err)
	}
	return treasury
}

// checkBalanceInvariant recomputes a treasury's balance from its confirmed
// vouchers and compares it with the stored current balance.
func checkBalanceInvariant(t *testing.T, ctx context.Context, treasuryId int) {
	t.Helper()
	treasury, err := models.GetTreasury(ctx, treasuryId)
	if err != nil {
		t.Fatalf("GetTreasury: %v", err)
	}

	confirmed := models.VoucherStatusConfirmed
	vouchers, err := models.GetVouchers(ctx, &models.VoucherFilter{TreasuryId: &treasuryId, Status: &confirmed})
	if err != nil {
		t.Fatalf("GetVouchers: %v", err)
	}

	expected := treasury.OpeningBalance
	for _, v := range vouchers {
		if v.Kind == models.VoucherKindReceipt {
			expected = expected.Add(v.Amount)
		} else {
			expected = expected.Sub(v.Amount)
		}
	}
	if !treasury.CurrentBalance.Equal(expected) {
		t.Fatalf("balance invariant broken on treasury %s: stored %s, recomputed %s",
			treasury.Code, treasury.CurrentBalance, expected)
	}
}

func TestTransferMovesBalancesAndLinksVouchers(t *testing.T) {
	ctx, north, south := ledgerTestEnv(t)

	cash := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-A", Name: "Cash Box A",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})
	bank := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: south.ID, Code: "BANK-B", Name: "Bank Account B",
		TreasuryType: models.TreasuryTypeBank, Currency: "USD",
		BankName: "First National", AccountNumber: "88-123",
		OpeningBalance: decimal.NewFromInt(500),
	})

	transfer, err := models.CreateTransfer(ctx, &models.NewTransfer{
		FromSubUnitId: north.ID, ToSubUnitId: south.ID,
		FromTreasuryId: cash.ID, ToTreasuryId: bank.ID,
		Amount:       decimal.NewFromInt(300),
		Description:  "monthly sweep",
		TransferDate: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	cashAfter, _ := models.GetTreasury(ctx, cash.ID)
	bankAfter, _ := models.GetTreasury(ctx, bank.ID)
	if !cashAfter.CurrentBalance.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("source balance = %s, want 700", cashAfter.CurrentBalance)
	}
	if !bankAfter.CurrentBalance.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("destination balance = %s, want 800", bankAfter.CurrentBalance)
	}

	payment, err := models.GetVoucher(ctx, transfer.PaymentVoucherId)
	if err != nil {
		t.Fatalf("GetVoucher payment: %v", err)
	}
	receipt, err := models.GetVoucher(ctx, transfer.ReceiptVoucherId)
	if err != nil {
		t.Fatalf("GetVoucher receipt: %v", err)
	}
	if payment.Status != models.VoucherStatusConfirmed || receipt.Status != models.VoucherStatusConfirmed {
		t.Fatalf("transfer vouchers not confirmed: %s / %s", payment.Status, receipt.Status)
	}
	if !payment.Amount.Equal(transfer.Amount) || !receipt.Amount.Equal(transfer.Amount) {
		t.Fatalf("voucher amounts diverge from transfer amount %s", transfer.Amount)
	}
	if payment.TreasuryId != cash.ID || receipt.TreasuryId != bank.ID {
		t.Fatal("transfer vouchers attached to the wrong treasuries")
	}
	if !strings.HasPrefix(payment.VoucherNumber, fmt.Sprintf("PV-%d-", north.ID)) {
		t.Fatalf("unexpected payment voucher number %s", payment.VoucherNumber)
	}
	if !strings.HasPrefix(receipt.VoucherNumber, fmt.Sprintf("RV-%d-", south.ID)) {
		t.Fatalf("unexpected receipt voucher number %s", receipt.VoucherNumber)
	}
	// counterparty carries the far side's name
	if payment.CounterpartyName != south.Name || receipt.CounterpartyName != north.Name {
		t.Fatalf("counterparty names wrong: %q / %q", payment.CounterpartyName, receipt.CounterpartyName)
	}

	checkBalanceInvariant(t, ctx, cash.ID)
	checkBalanceInvariant(t, ctx, bank.ID)
}

func TestTransferInsufficientBalanceLeavesNoRows(t *testing.T) {
	ctx, north, south := ledgerTestEnv(t)

	cash := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-A", Name: "Cash Box A",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(100),
	})
	other := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: south.ID, Code: "CASH-B", Name: "Cash Box B",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
	})

	_, err := models.CreateTransfer(ctx, &models.NewTransfer{
		FromSubUnitId: north.ID, ToSubUnitId: south.ID,
		FromTreasuryId: cash.ID, ToTreasuryId: other.ID,
		Amount:       decimal.NewFromInt(500),
		TransferDate: time.Now().UTC(),
	})
	if !errors.Is(err, utils.ErrorInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}

	vouchers, err := models.GetVouchers(ctx, nil)
	if err != nil {
		t.Fatalf("GetVouchers: %v", err)
	}
	if len(vouchers) != 0 {
		t.Fatalf("failed transfer left %d voucher rows", len(vouchers))
	}
	transfers, err := models.GetTransfers(ctx, nil)
	if err != nil {
		t.Fatalf("GetTransfers: %v", err)
	}
	if len(transfers) != 0 {
		t.Fatalf("failed transfer left %d transfer rows", len(transfers))
	}

	cashAfter, _ := models.GetTreasury(ctx, cash.ID)
	if !cashAfter.CurrentBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("source balance changed to %s on a failed transfer", cashAfter.CurrentBalance)
	}
}

// A mid-transaction failure after the payment voucher is written must roll the
// whole unit back. The forged row below occupies the voucher number the
// transfer's receipt voucher will be assigned, so its insert trips the unique
// index with the payment voucher already posted.
func TestTransferMidTransactionFailureLeavesNoRows(t *testing.T) {
	ctx, north, south := ledgerTestEnv(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	cash := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-A", Name: "Cash Box A",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})
	sink := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: south.ID, Code: "CASH-B", Name: "Cash Box B",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
	})

	forged := models.Voucher{
		BusinessId:       businessId,
		SubUnitId:        south.ID,
		TreasuryId:       sink.ID,
		VoucherNumber:    fmt.Sprintf("RV-%d-1", south.ID),
		SequenceNo:       0,
		Kind:             models.VoucherKindReceipt,
		Status:           models.VoucherStatusDraft,
		Amount:           decimal.NewFromInt(1),
		Currency:         "USD",
		CounterpartyType: models.CounterpartyTypePerson,
		CounterpartyName: "Squatter",
		IsReconciled:     utils.NewFalse(),
		VoucherDate:      time.Now().UTC(),
	}
	if err := config.GetDB().Create(&forged).Error; err != nil {
		t.Fatalf("seed forged voucher: %v", err)
	}

	_, err := models.CreateTransfer(ctx, &models.NewTransfer{
		FromSubUnitId: north.ID, ToSubUnitId: south.ID,
		FromTreasuryId: cash.ID, ToTreasuryId: sink.ID,
		Amount:       decimal.NewFromInt(300),
		TransferDate: time.Now().UTC(),
	})
	if !errors.Is(err, utils.ErrorTransactionFailed) {
		t.Fatalf("expected TransactionFailed, got %v", err)
	}

	vouchers, err := models.GetVouchers(ctx, nil)
	if err != nil {
		t.Fatalf("GetVouchers: %v", err)
	}
	if len(vouchers) != 1 || vouchers[0].ID != forged.ID {
		t.Fatalf("rollback left %d voucher rows besides the seeded one", len(vouchers)-1)
	}
	transfers, err := models.GetTransfers(ctx, nil)
	if err != nil {
		t.Fatalf("GetTransfers: %v", err)
	}
	if len(transfers) != 0 {
		t.Fatalf("failed transfer left %d transfer rows", len(transfers))
	}

	cashAfter, _ := models.GetTreasury(ctx, cash.ID)
	if !cashAfter.CurrentBalance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("source balance changed to %s on a rolled-back transfer", cashAfter.CurrentBalance)
	}
	checkBalanceInvariant(t, ctx, cash.ID)
	checkBalanceInvariant(t, ctx, sink.ID)

	// the rollback released the posting lock with it
	var holder *uint64
	if err := config.GetDB().Raw("SELECT IS_USED_LOCK(?)", "posting:"+businessId).Scan(&holder).Error; err != nil {
		t.Fatalf("IS_USED_LOCK: %v", err)
	}
	if holder != nil {
		t.Fatalf("posting lock still held by connection %d after the rollback", *holder)
	}
}

// GET_LOCK is session-scoped: a connection going back to the pool while still
// holding posting:<businessId> would stall every later posting for the tenant.
func TestTransferReleasesPostingLock(t *testing.T) {
	ctx, north, south := ledgerTestEnv(t)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)

	cash := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-A", Name: "Cash Box A",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})
	sink := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: south.ID, Code: "CASH-B", Name: "Cash Box B",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
	})

	assertLockFree := func(context string) {
		t.Helper()
		var holder *uint64
		if err := config.GetDB().Raw("SELECT IS_USED_LOCK(?)", "posting:"+businessId).Scan(&holder).Error; err != nil {
			t.Fatalf("IS_USED_LOCK: %v", err)
		}
		if holder != nil {
			t.Fatalf("posting lock still held by connection %d %s", *holder, context)
		}
	}

	if _, err := models.CreateTransfer(ctx, &models.NewTransfer{
		FromSubUnitId: north.ID, ToSubUnitId: south.ID,
		FromTreasuryId: cash.ID, ToTreasuryId: sink.ID,
		Amount:       decimal.NewFromInt(100),
		TransferDate: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	assertLockFree("after a committed transfer")

	// the next posting for the tenant goes straight through
	start := time.Now()
	if _, err := models.CreateTransfer(ctx, &models.NewTransfer{
		FromSubUnitId: north.ID, ToSubUnitId: south.ID,
		FromTreasuryId: cash.ID, ToTreasuryId: sink.ID,
		Amount:       decimal.NewFromInt(100),
		TransferDate: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateTransfer follow-up: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Second {
		t.Fatalf("follow-up transfer blocked for %s on the posting lock", elapsed)
	}
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	ctx, north, south := ledgerTestEnv(t)

	cash := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-A", Name: "Cash Box A",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})
	sink := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: south.ID, Code: "CASH-B", Name: "Cash Box B",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
	})

	// two transfers of 600 race; only one can fit into a balance of 1000
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = models.CreateTransfer(ctx, &models.NewTransfer{
				FromSubUnitId: north.ID, ToSubUnitId: south.ID,
				FromTreasuryId: cash.ID, ToTreasuryId: sink.ID,
				Amount:       decimal.NewFromInt(600),
				TransferDate: time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	var succeeded, failed int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if errors.Is(err, utils.ErrorInsufficientBalance) {
			failed++
		} else {
			t.Fatalf("unexpected error from racing transfer: %v", err)
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d balance failures", succeeded, failed)
	}

	cashAfter, _ := models.GetTreasury(ctx, cash.ID)
	if !cashAfter.CurrentBalance.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("source balance = %s, want 400", cashAfter.CurrentBalance)
	}
	checkBalanceInvariant(t, ctx, cash.ID)
	checkBalanceInvariant(t, ctx, sink.ID)
}

func TestVoucherLifecycle(t *testing.T) {
	ctx, north, _ := ledgerTestEnv(t)

	cash := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-A", Name: "Cash Box A",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(100),
	})

	draft, err := models.CreateVoucher(ctx, &models.NewVoucher{
		SubUnitId: north.ID, TreasuryId: cash.ID,
		Kind:             models.VoucherKindReceipt,
		Amount:           decimal.NewFromInt(50),
		CounterpartyType: models.CounterpartyTypePerson,
		CounterpartyName: "Walk-in customer",
		VoucherDate:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateVoucher: %v", err)
	}
	if draft.Status != models.VoucherStatusDraft {
		t.Fatalf("new voucher status = %s, want draft", draft.Status)
	}

	// draft has no balance effect
	before, _ := models.GetTreasury(ctx, cash.ID)
	if !before.CurrentBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("draft voucher moved the balance to %s", before.CurrentBalance)
	}

	confirmed, err := models.ConfirmVoucher(ctx, draft.ID)
	if err != nil {
		t.Fatalf("ConfirmVoucher: %v", err)
	}
	if confirmed.Status != models.VoucherStatusConfirmed || confirmed.ConfirmedAt == nil {
		t.Fatalf("confirm did not stamp the voucher: %+v", confirmed)
	}
	after, _ := models.GetTreasury(ctx, cash.ID)
	if !after.CurrentBalance.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("balance after confirm = %s, want 150", after.CurrentBalance)
	}

	// double confirm fails, and so does cancelling a confirmed voucher
	if _, err := models.ConfirmVoucher(ctx, draft.ID); !errors.Is(err, utils.ErrorInvalidState) {
		t.Fatalf("double confirm: expected InvalidState, got %v", err)
	}
	if _, err := models.CancelVoucher(ctx, draft.ID); !errors.Is(err, utils.ErrorInvalidState) {
		t.Fatalf("cancel confirmed: expected InvalidState, got %v", err)
	}

	// a fresh draft can be cancelled without balance effect
	second, err := models.CreateVoucher(ctx, &models.NewVoucher{
		SubUnitId: north.ID, TreasuryId: cash.ID,
		Kind:             models.VoucherKindPayment,
		Amount:           decimal.NewFromInt(30),
		CounterpartyType: models.CounterpartyTypeOther,
		CounterpartyName: "Sundry",
		VoucherDate:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateVoucher second: %v", err)
	}
	cancelled, err := models.CancelVoucher(ctx, second.ID)
	if err != nil {
		t.Fatalf("CancelVoucher: %v", err)
	}
	if cancelled.Status != models.VoucherStatusCancelled {
		t.Fatalf("cancel status = %s", cancelled.Status)
	}
	final, _ := models.GetTreasury(ctx, cash.ID)
	if !final.CurrentBalance.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("cancelled voucher moved the balance to %s", final.CurrentBalance)
	}

	checkBalanceInvariant(t, ctx, cash.ID)
}

func TestVoucherCounterpartyValidation(t *testing.T) {
	ctx, north, _ := ledgerTestEnv(t)

	cash := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-A", Name: "Cash Box A",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
	})

	// person without a name
	_, err := models.CreateVoucher(ctx, &models.NewVoucher{
		SubUnitId: north.ID, TreasuryId: cash.ID,
		Kind:             models.VoucherKindReceipt,
		Amount:           decimal.NewFromInt(10),
		CounterpartyType: models.CounterpartyTypePerson,
		VoucherDate:      time.Now().UTC(),
	})
	if !errors.Is(err, utils.ErrorInvalidInput) {
		t.Fatalf("nameless person counterparty: expected InvalidInput, got %v", err)
	}

	// intermediary pointing nowhere
	_, err = models.CreateVoucher(ctx, &models.NewVoucher{
		SubUnitId: north.ID, TreasuryId: cash.ID,
		Kind:                  models.VoucherKindReceipt,
		Amount:                decimal.NewFromInt(10),
		CounterpartyType:      models.CounterpartyTypeIntermediary,
		IntermediaryAccountId: 99999,
		VoucherDate:           time.Now().UTC(),
	})
	if !errors.Is(err, utils.ErrorInvalidInput) {
		t.Fatalf("dangling intermediary: expected InvalidInput, got %v", err)
	}

	// non-positive amount
	_, err = models.CreateVoucher(ctx, &models.NewVoucher{
		SubUnitId: north.ID, TreasuryId: cash.ID,
		Kind:             models.VoucherKindReceipt,
		Amount:           decimal.Zero,
		CounterpartyType: models.CounterpartyTypePerson,
		CounterpartyName: "A",
		VoucherDate:      time.Now().UTC(),
	})
	if !errors.Is(err, utils.ErrorInvalidInput) {
		t.Fatalf("zero amount: expected InvalidInput, got %v", err)
	}
}

func TestTreasuryDeleteGuards(t *testing.T) {
	ctx, north, _ := ledgerTestEnv(t)

	cash := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-A", Name: "Cash Box A",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(100),
	})

	confirm := true
	if _, err := models.CreateVoucher(ctx, &models.NewVoucher{
		SubUnitId: north.ID, TreasuryId: cash.ID,
		Kind:             models.VoucherKindReceipt,
		Amount:           decimal.NewFromInt(5),
		CounterpartyType: models.CounterpartyTypePerson,
		CounterpartyName: "Donor",
		VoucherDate:      time.Now().UTC(),
		Confirm:          &confirm,
	}); err != nil {
		t.Fatalf("CreateVoucher: %v", err)
	}

	if _, err := models.DeleteTreasury(ctx, cash.ID); !errors.Is(err, utils.ErrorReferentialIntegrity) {
		t.Fatalf("expected ReferentialIntegrity, got %v", err)
	}

	// deactivation is the supported way out
	toggled, err := models.ToggleActiveTreasury(ctx, cash.ID, false)
	if err != nil {
		t.Fatalf("ToggleActiveTreasury: %v", err)
	}
	if toggled.IsActive != nil && *toggled.IsActive {
		t.Fatal("treasury still active after deactivation")
	}

	// duplicate code on create
	_, err = models.CreateTreasury(ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-A", Name: "Duplicate",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
	})
	if !errors.Is(err, utils.ErrorInvalidInput) {
		t.Fatalf("duplicate code: expected InvalidInput, got %v", err)
	}

	// deleting an unreferenced treasury deactivates it, the row survives
	unused := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-X", Name: "Never Used",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
	})
	deleted, err := models.DeleteTreasury(ctx, unused.ID)
	if err != nil {
		t.Fatalf("DeleteTreasury unreferenced: %v", err)
	}
	if deleted.IsActive == nil || *deleted.IsActive {
		t.Fatal("delete did not deactivate the treasury")
	}
	kept, err := models.GetTreasury(ctx, unused.ID)
	if err != nil {
		t.Fatalf("deleted treasury row is gone: %v", err)
	}
	if kept.IsActive == nil || *kept.IsActive {
		t.Fatal("stored treasury still active after delete")
	}
}

func TestAutoReconcileProposesAndConfirms(t *testing.T) {
	ctx, north, _ := ledgerTestEnv(t)

	cashIn := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-IN", Name: "Cash In",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})
	cashOut := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-OUT", Name: "Cash Out",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})

	hawala, err := models.CreateIntermediaryAccount(ctx, &models.NewIntermediaryAccount{Name: "Hawala X"})
	if err != nil {
		t.Fatalf("CreateIntermediaryAccount: %v", err)
	}

	confirm := true
	day1 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	payment, err := models.CreateVoucher(ctx, &models.NewVoucher{
		SubUnitId: north.ID, TreasuryId: cashOut.ID,
		Kind:                  models.VoucherKindPayment,
		Amount:                decimal.NewFromInt(200),
		CounterpartyType:      models.CounterpartyTypeIntermediary,
		IntermediaryAccountId: hawala.ID,
		VoucherDate:           day1,
		Confirm:               &confirm,
	})
	if err != nil {
		t.Fatalf("CreateVoucher payment: %v", err)
	}
	receipt, err := models.CreateVoucher(ctx, &models.NewVoucher{
		SubUnitId: north.ID, TreasuryId: cashIn.ID,
		Kind:                  models.VoucherKindReceipt,
		Amount:                decimal.NewFromInt(200),
		CounterpartyType:      models.CounterpartyTypeIntermediary,
		IntermediaryAccountId: hawala.ID,
		VoucherDate:           day2,
		Confirm:               &confirm,
	})
	if err != nil {
		t.Fatalf("CreateVoucher receipt: %v", err)
	}

	proposals, err := workflow.AutoReconcile(ctx, north.ID)
	if err != nil {
		t.Fatalf("AutoReconcile: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(proposals))
	}
	proposal := proposals[0]
	if proposal.PaymentVoucherId != payment.ID || proposal.ReceiptVoucherId != receipt.ID {
		t.Fatalf("proposal pairs (%d,%d), want (%d,%d)",
			proposal.PaymentVoucherId, proposal.ReceiptVoucherId, payment.ID, receipt.ID)
	}
	if proposal.MatchConfidence != models.MatchConfidenceHigh {
		t.Fatalf("1-day distance should be high confidence, got %s", proposal.MatchConfidence)
	}

	// a second scan with the proposal still open adds nothing
	again, err := workflow.AutoReconcile(ctx, north.ID)
	if err != nil {
		t.Fatalf("AutoReconcile rerun: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("rerun proposed %d new pairs over an open proposal", len(again))
	}

	confirmed, err := models.ConfirmReconciliation(ctx, proposal.ID)
	if err != nil {
		t.Fatalf("ConfirmReconciliation: %v", err)
	}
	if confirmed.Status != models.ReconciliationStatusConfirmed {
		t.Fatalf("reconciliation status = %s", confirmed.Status)
	}

	paymentAfter, _ := models.GetVoucher(ctx, payment.ID)
	receiptAfter, _ := models.GetVoucher(ctx, receipt.ID)
	if paymentAfter.IsReconciled == nil || !*paymentAfter.IsReconciled ||
		receiptAfter.IsReconciled == nil || !*receiptAfter.IsReconciled {
		t.Fatal("confirm did not stamp isReconciled on both vouchers")
	}
	if paymentAfter.ReconciledWith != receipt.ID || receiptAfter.ReconciledWith != payment.ID {
		t.Fatal("reconciledWith does not cross-link the pair")
	}

	// reconciled vouchers never come back
	final, err := workflow.AutoReconcile(ctx, north.ID)
	if err != nil {
		t.Fatalf("AutoReconcile final: %v", err)
	}
	if len(final) != 0 {
		t.Fatalf("scan proposed %d pairs from reconciled vouchers", len(final))
	}
}

func TestConfirmReconciliationLosesRace(t *testing.T) {
	ctx, north, _ := ledgerTestEnv(t)

	cashIn := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-IN", Name: "Cash In",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})
	cashOut := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-OUT", Name: "Cash Out",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})
	hawala, err := models.CreateIntermediaryAccount(ctx, &models.NewIntermediaryAccount{Name: "Hawala X"})
	if err != nil {
		t.Fatalf("CreateIntermediaryAccount: %v", err)
	}

	confirm := true
	day1 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	newVoucher := func(kind models.VoucherKind, treasuryId int, date time.Time) *models.Voucher {
		v, err := models.CreateVoucher(ctx, &models.NewVoucher{
			SubUnitId: north.ID, TreasuryId: treasuryId,
			Kind:                  kind,
			Amount:                decimal.NewFromInt(200),
			CounterpartyType:      models.CounterpartyTypeIntermediary,
			IntermediaryAccountId: hawala.ID,
			VoucherDate:           date,
			Confirm:               &confirm,
		})
		if err != nil {
			t.Fatalf("CreateVoucher: %v", err)
		}
		return v
	}

	paymentA := newVoucher(models.VoucherKindPayment, cashOut.ID, day1)
	paymentB := newVoucher(models.VoucherKindPayment, cashOut.ID, day1.AddDate(0, 0, 1))
	receipt := newVoucher(models.VoucherKindReceipt, cashIn.ID, day1)

	// two manual proposals claim the same receipt
	first, err := models.CreateReconciliation(ctx, &models.NewReconciliation{
		SubUnitId:        north.ID,
		PaymentVoucherId: paymentA.ID,
		ReceiptVoucherId: receipt.ID,
		MatchConfidence:  models.MatchConfidenceHigh,
	})
	if err != nil {
		t.Fatalf("CreateReconciliation first: %v", err)
	}
	second, err := models.CreateReconciliation(ctx, &models.NewReconciliation{
		SubUnitId:        north.ID,
		PaymentVoucherId: paymentB.ID,
		ReceiptVoucherId: receipt.ID,
		MatchConfidence:  models.MatchConfidenceMedium,
	})
	if err != nil {
		t.Fatalf("CreateReconciliation second: %v", err)
	}

	if _, err := models.ConfirmReconciliation(ctx, first.ID); err != nil {
		t.Fatalf("ConfirmReconciliation first: %v", err)
	}
	if _, err := models.ConfirmReconciliation(ctx, second.ID); !errors.Is(err, utils.ErrorAlreadyReconciled) {
		t.Fatalf("expected AlreadyReconciled, got %v", err)
	}

	// the loser changed nothing
	paymentBAfter, _ := models.GetVoucher(ctx, paymentB.ID)
	if paymentBAfter.IsReconciled != nil && *paymentBAfter.IsReconciled {
		t.Fatal("losing proposal reconciled its payment voucher")
	}
	secondAfter, _ := models.GetReconciliation(ctx, second.ID)
	if secondAfter.Status != models.ReconciliationStatusProposed {
		t.Fatalf("losing proposal status = %s, want proposed", secondAfter.Status)
	}
}

func TestRejectedReconciliationIsEligibleAgain(t *testing.T) {
	ctx, north, _ := ledgerTestEnv(t)
	t.Setenv("RECONCILE_REMATCH_REJECTED", "true")

	cashIn := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-IN", Name: "Cash In",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})
	cashOut := mustCreateTreasury(t, ctx, &models.NewTreasury{
		SubUnitId: north.ID, Code: "CASH-OUT", Name: "Cash Out",
		TreasuryType: models.TreasuryTypeCash, Currency: "USD",
		OpeningBalance: decimal.NewFromInt(1000),
	})
	hawala, err := models.CreateIntermediaryAccount(ctx, &models.NewIntermediaryAccount{Name: "Hawala X"})
	if err != nil {
		t.Fatalf("CreateIntermediaryAccount: %v", err)
	}

	confirm := true
	day1 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		kind       models.VoucherKind
		treasuryId int
	}{
		{models.VoucherKindPayment, cashOut.ID},
		{models.VoucherKindReceipt, cashIn.ID},
	} {
		if _, err := models.CreateVoucher(ctx, &models.NewVoucher{
			SubUnitId: north.ID, TreasuryId: tc.treasuryId,
			Kind:                  tc.kind,
			Amount:                decimal.NewFromInt(75),
			CounterpartyType:      models.CounterpartyTypeIntermediary,
			IntermediaryAccountId: hawala.ID,
			VoucherDate:           day1,
			Confirm:               &confirm,
		}); err != nil {
			t.Fatalf("CreateVoucher: %v", err)
		}
	}

	proposals, err := workflow.AutoReconcile(ctx, north.ID)
	if err != nil || len(proposals) != 1 {
		t.Fatalf("first scan: %v, %d proposals", err, len(proposals))
	}

	if _, err := models.RejectReconciliation(ctx, proposals[0].ID); err != nil {
		t.Fatalf("RejectReconciliation: %v", err)
	}

	// with rematch enabled the same pair is proposed again
	again, err := workflow.AutoReconcile(ctx, north.ID)
	if err != nil || len(again) != 1 {
		t.Fatalf("rematch scan: %v, %d proposals", err, len(again))
	}

	// with rematch disabled the pair stays parked
	t.Setenv("RECONCILE_REMATCH_REJECTED", "false")
	if _, err := models.RejectReconciliation(ctx, again[0].ID); err != nil {
		t.Fatalf("RejectReconciliation second: %v", err)
	}
	parked, err := workflow.AutoReconcile(ctx, north.ID)
	if err != nil {
		t.Fatalf("parked scan: %v", err)
	}
	if len(parked) != 0 {
		t.Fatalf("rejected pair proposed again with rematch disabled")
	}
}

/* docker harness */

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("treasury-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("treasury-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=treasury_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
