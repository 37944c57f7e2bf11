package chart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/events"
)

func newTestChart(t *testing.T) *ChartOfAccounts {
	t.Helper()
	return NewChartOfAccounts("tenant-a")
}

func mustCreate(t *testing.T, c *ChartOfAccounts, code string, accType domain.AccountType, parent string) {
	t.Helper()
	require.NoError(t, c.CreateAccount(CreateAccountParams{
		Code:           code,
		Name:           code + " account",
		Type:           accType,
		ParentCode:     parent,
		PostingAllowed: true,
	}))
}

func TestCreateAccount(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")

	acc, ok := c.Account("1000")
	require.True(t, ok)
	assert.Equal(t, "1000", acc.Code)
	assert.True(t, acc.IsActive)
	assert.True(t, acc.PostingAllowed)
	assert.Equal(t, int64(0), acc.Balance.Cents())
	assert.Equal(t, domain.SpecialNone, acc.SpecialType)
	assert.Equal(t, 1, c.Version())
	assert.Len(t, c.Uncommitted(), 1)
}

func TestCreateAccountNormalizesCode(t *testing.T) {
	c := newTestChart(t)
	require.NoError(t, c.CreateAccount(CreateAccountParams{
		Code: "  cash.main ", Name: "Cash", Type: domain.AccountTypeAsset, PostingAllowed: true,
	}))

	_, ok := c.Account("CASH.MAIN")
	assert.True(t, ok)

	// Same code in different case is a duplicate
	err := c.CreateAccount(CreateAccountParams{
		Code: "Cash.Main", Name: "Cash again", Type: domain.AccountTypeAsset,
	})
	assert.Equal(t, domain.CodeDuplicateCode, domain.ErrorCode(err))
}

func TestCreateAccountValidation(t *testing.T) {
	c := newTestChart(t)

	err := c.CreateAccount(CreateAccountParams{Code: "bad code!", Name: "x", Type: domain.AccountTypeAsset})
	assert.Equal(t, domain.CodeValidation, domain.ErrorCode(err))

	err = c.CreateAccount(CreateAccountParams{Code: "1000", Name: "", Type: domain.AccountTypeAsset})
	assert.Equal(t, domain.CodeValidation, domain.ErrorCode(err))

	err = c.CreateAccount(CreateAccountParams{Code: "1000", Name: "x", Type: "Banana"})
	assert.Equal(t, domain.CodeValidation, domain.ErrorCode(err))
}

func TestCreateAccountParentRules(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")

	err := c.CreateAccount(CreateAccountParams{
		Code: "1100", Name: "x", Type: domain.AccountTypeAsset, ParentCode: "9999",
	})
	assert.Equal(t, domain.CodeParentNotFound, domain.ErrorCode(err))

	err = c.CreateAccount(CreateAccountParams{
		Code: "4000", Name: "x", Type: domain.AccountTypeRevenue, ParentCode: "1000",
	})
	assert.Equal(t, domain.CodeTypeMismatch, domain.ErrorCode(err))
}

func TestCreateAccountDepthLimit(t *testing.T) {
	c := newTestChart(t)
	codes := []string{"L1", "L2", "L3", "L4", "L5"}
	parent := ""
	for _, code := range codes {
		mustCreate(t, c, code, domain.AccountTypeAsset, parent)
		parent = code
	}

	err := c.CreateAccount(CreateAccountParams{
		Code: "L6", Name: "too deep", Type: domain.AccountTypeAsset, ParentCode: "L5",
	})
	assert.Equal(t, domain.CodeMaxDepthExceeded, domain.ErrorCode(err))
}

func TestSetActive(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")
	mustCreate(t, c, "1100", domain.AccountTypeAsset, "1000")

	err := c.SetActive("1000", false)
	assert.Equal(t, domain.CodeHasActiveChildren, domain.ErrorCode(err))

	require.NoError(t, c.SetActive("1100", false))
	require.NoError(t, c.SetActive("1000", false))

	acc, _ := c.Account("1000")
	assert.False(t, acc.IsActive)

	// Deactivating an inactive account emits nothing
	before := c.Version()
	require.NoError(t, c.SetActive("1000", false))
	assert.Equal(t, before, c.Version())
}

func TestChangeParent(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")
	mustCreate(t, c, "1100", domain.AccountTypeAsset, "1000")
	mustCreate(t, c, "1200", domain.AccountTypeAsset, "1000")

	require.NoError(t, c.ChangeParent("1200", "1100"))
	acc, _ := c.Account("1200")
	assert.Equal(t, "1100", acc.ParentCode)

	// Moving an ancestor under its descendant is a cycle
	err := c.ChangeParent("1000", "1200")
	assert.Equal(t, domain.CodeCycleDetected, domain.ErrorCode(err))

	err = c.ChangeParent("1200", "1200")
	assert.Equal(t, domain.CodeCycleDetected, domain.ErrorCode(err))
}

func TestChangeParentDepthLimit(t *testing.T) {
	c := newTestChart(t)
	parent := ""
	for _, code := range []string{"A1", "A2", "A3", "A4"} {
		mustCreate(t, c, code, domain.AccountTypeAsset, parent)
		parent = code
	}
	// B1 -> B2: height 2 subtree; moving under A4 (depth 4) exceeds 5
	mustCreate(t, c, "B1", domain.AccountTypeAsset, "")
	mustCreate(t, c, "B2", domain.AccountTypeAsset, "B1")

	err := c.ChangeParent("B1", "A4")
	assert.Equal(t, domain.CodeMaxDepthExceeded, domain.ErrorCode(err))

	require.NoError(t, c.ChangeParent("B1", "A3"))
}

func TestSetPostingPolicy(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")
	require.NoError(t, c.CreateAccount(CreateAccountParams{
		Code: "SYSTEM-CLEARING", Name: "Clearing", Type: domain.AccountTypeAsset,
		SpecialType: domain.SpecialClearing, PostingAllowed: true,
	}))

	require.NoError(t, c.SetPostingPolicy("1000", false))
	acc, _ := c.Account("1000")
	assert.False(t, acc.PostingAllowed)

	err := c.SetPostingPolicy("SYSTEM-CLEARING", false)
	assert.Equal(t, domain.CodePostingNotAllowed, domain.ErrorCode(err))
}

func TestSetCompanionLinks(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1500", domain.AccountTypeAsset, "")
	require.NoError(t, c.CreateAccount(CreateAccountParams{
		Code: "1590", Name: "Accum. depreciation", Type: domain.AccountTypeAsset,
		SpecialType: domain.SpecialAccumulatedDepreciation, PostingAllowed: true,
	}))
	require.NoError(t, c.CreateAccount(CreateAccountParams{
		Code: "6100", Name: "Depreciation expense", Type: domain.AccountTypeExpense,
		SpecialType: domain.SpecialDepreciationExpense, PostingAllowed: true,
	}))
	mustCreate(t, c, "7000", domain.AccountTypeExpense, "")

	// Depreciation pair must be set together
	err := c.SetCompanionLinks("1500", domain.CompanionLinks{AccumulatedDepreciationCode: "1590"})
	assert.Equal(t, domain.CodeCompanionInconsistent, domain.ErrorCode(err))

	// Referenced companion must exist
	err = c.SetCompanionLinks("1500", domain.CompanionLinks{
		AccumulatedDepreciationCode: "1590",
		DepreciationExpenseCode:     "9999",
	})
	assert.Equal(t, domain.CodeCompanionInconsistent, domain.ErrorCode(err))

	// Companion must carry the matching special role
	err = c.SetCompanionLinks("1500", domain.CompanionLinks{
		AccumulatedDepreciationCode: "1590",
		DepreciationExpenseCode:     "7000",
	})
	assert.Equal(t, domain.CodeCompanionInconsistent, domain.ErrorCode(err))

	require.NoError(t, c.SetCompanionLinks("1500", domain.CompanionLinks{
		AccumulatedDepreciationCode: "1590",
		DepreciationExpenseCode:     "6100",
	}))
	acc, _ := c.Account("1500")
	assert.Equal(t, "1590", acc.Companions.AccumulatedDepreciationCode)
}

func TestUpdateBalance(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")

	require.NoError(t, c.UpdateBalance("1000", domain.NewMoney(12550)))
	acc, _ := c.Account("1000")
	assert.Equal(t, int64(12550), acc.Balance.Cents())

	err := c.UpdateBalance("9999", domain.NewMoney(1))
	assert.Equal(t, domain.CodeAccountNotFound, domain.ErrorCode(err))
}

func TestUpdateBalanceGuards(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")
	mustCreate(t, c, "1100", domain.AccountTypeAsset, "1000")

	// Header accounts (those with children) never receive postings
	err := c.UpdateBalance("1000", domain.NewMoney(100))
	assert.Equal(t, domain.CodeHeaderAccount, domain.ErrorCode(err))

	require.NoError(t, c.SetPostingPolicy("1100", false))
	err = c.UpdateBalance("1100", domain.NewMoney(100))
	assert.Equal(t, domain.CodePostingNotAllowed, domain.ErrorCode(err))

	require.NoError(t, c.SetPostingPolicy("1100", true))
	require.NoError(t, c.SetActive("1100", false))
	err = c.UpdateBalance("1100", domain.NewMoney(100))
	assert.Equal(t, domain.CodeAccountInactive, domain.ErrorCode(err))
}

func TestLoadReplaysStream(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")
	mustCreate(t, c, "1100", domain.AccountTypeAsset, "1000")
	require.NoError(t, c.UpdateBalance("1100", domain.NewMoney(5000)))
	require.NoError(t, c.SetActive("1100", false))

	// Round-trip through serialization, as the event store would
	var stream []events.Envelope
	for _, ev := range c.Uncommitted() {
		data, err := ev.Serialize()
		require.NoError(t, err)
		decoded, err := events.Deserialize(data)
		require.NoError(t, err)
		stream = append(stream, decoded)
	}

	reloaded, err := Load("tenant-a", stream)
	require.NoError(t, err)
	assert.Equal(t, c.Version(), reloaded.Version())
	assert.Empty(t, reloaded.Uncommitted())

	acc, ok := reloaded.Account("1100")
	require.True(t, ok)
	assert.Equal(t, int64(5000), acc.Balance.Cents())
	assert.False(t, acc.IsActive)
	assert.Equal(t, "1000", acc.ParentCode)
}

func TestLoadRejectsForeignTenant(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")

	_, err := Load("tenant-b", c.Uncommitted())
	assert.ErrorIs(t, err, domain.ErrTenantMismatch)
}

func TestMarkCommitted(t *testing.T) {
	c := newTestChart(t)
	mustCreate(t, c, "1000", domain.AccountTypeAsset, "")

	assert.Equal(t, 0, c.CommittedVersion())
	c.MarkCommitted()
	assert.Empty(t, c.Uncommitted())
	assert.Equal(t, 1, c.CommittedVersion())
	assert.Equal(t, 1, c.Version())
}
