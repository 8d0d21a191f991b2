package integrity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignatzorin/escrow-backend/internal/models"
)

func sampleFields() ContractFields {
	return ContractFields{
		Budget:       10000,
		Currency:     "USD",
		DeadlineDays: 14,
		ReviewDays:   3,
		Requirements: "REST API на Go",
		Deliverables: "репозиторий с исходным кодом",
		Terms: []models.ContractTerm{
			{Title: "Оплата", Content: "после приёмки"},
			{Title: "Права", Content: "передаются заказчику"},
		},
	}
}

func TestHashFields_Deterministic(t *testing.T) {
	first := HashFields(sampleFields())
	second := HashFields(sampleFields())

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestHashFields_SensitiveToEveryField(t *testing.T) {
	base := HashFields(sampleFields())

	budget := sampleFields()
	budget.Budget = 10001
	assert.NotEqual(t, base, HashFields(budget))

	currency := sampleFields()
	currency.Currency = "EUR"
	assert.NotEqual(t, base, HashFields(currency))

	deadline := sampleFields()
	deadline.DeadlineDays = 15
	assert.NotEqual(t, base, HashFields(deadline))

	review := sampleFields()
	review.ReviewDays = 4
	assert.NotEqual(t, base, HashFields(review))

	requirements := sampleFields()
	requirements.Requirements = "REST API на Go."
	assert.NotEqual(t, base, HashFields(requirements))

	deliverables := sampleFields()
	deliverables.Deliverables = "архив с исходным кодом"
	assert.NotEqual(t, base, HashFields(deliverables))

	term := sampleFields()
	term.Terms[0].Content = "до приёмки"
	assert.NotEqual(t, base, HashFields(term))
}

func TestHashFields_SensitiveToTermOrder(t *testing.T) {
	base := sampleFields()
	swapped := sampleFields()
	swapped.Terms[0], swapped.Terms[1] = swapped.Terms[1], swapped.Terms[0]

	assert.NotEqual(t, HashFields(base), HashFields(swapped))
}

func TestCanonicalize_LengthPrefixPreventsCollisions(t *testing.T) {
	// Без префиксов длины пары ("ab", "c") и ("a", "bc") склеились бы
	// в одну строку.
	a := sampleFields()
	a.Requirements = "ab"
	a.Deliverables = "c"

	b := sampleFields()
	b.Requirements = "a"
	b.Deliverables = "bc"

	assert.NotEqual(t, Canonicalize(a), Canonicalize(b))
	assert.NotEqual(t, HashFields(a), HashFields(b))
}

func TestCanonicalize_ContainsDeclaredFields(t *testing.T) {
	canonical := string(Canonicalize(sampleFields()))

	assert.True(t, strings.Contains(canonical, "budget"))
	assert.True(t, strings.Contains(canonical, "currency"))
	assert.True(t, strings.Contains(canonical, "terms_count"))
}

func TestVerify(t *testing.T) {
	fields := sampleFields()
	hash := HashFields(fields)

	assert.True(t, Verify(hash, fields))

	tampered := sampleFields()
	tampered.Budget = 9999
	assert.False(t, Verify(hash, tampered))
	assert.False(t, Verify("deadbeef", fields))
}
