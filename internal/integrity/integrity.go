// Package integrity отвечает за канонизацию условий контракта и
// контрольный хэш, связывающий запись в базе с записью в леджере.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/ignatzorin/escrow-backend/internal/models"
)

// ContractFields явный набор полей, входящих в хэш. Деньги только в
// минорных единицах: плавающая точка в канонической форме запрещена.
type ContractFields struct {
	Budget       int64
	Currency     string
	DeadlineDays int
	ReviewDays   int
	Requirements string
	Deliverables string
	Terms        []models.ContractTerm
}

// Canonicalize приводит поля к детерминированной байтовой форме.
// Каждый сегмент пишется с префиксом длины, чтобы никакие два разных
// набора полей не склеивались в одинаковые байты.
func Canonicalize(f ContractFields) []byte {
	var buf bytes.Buffer

	writeSegment(&buf, "budget", strconv.FormatInt(f.Budget, 10))
	writeSegment(&buf, "currency", f.Currency)
	writeSegment(&buf, "deadline_days", strconv.Itoa(f.DeadlineDays))
	writeSegment(&buf, "review_days", strconv.Itoa(f.ReviewDays))
	writeSegment(&buf, "requirements", f.Requirements)
	writeSegment(&buf, "deliverables", f.Deliverables)

	writeSegment(&buf, "terms_count", strconv.Itoa(len(f.Terms)))
	for i, term := range f.Terms {
		writeSegment(&buf, fmt.Sprintf("term_%d_title", i), term.Title)
		writeSegment(&buf, fmt.Sprintf("term_%d_content", i), term.Content)
	}

	return buf.Bytes()
}

func writeSegment(buf *bytes.Buffer, key, value string) {
	fmt.Fprintf(buf, "%d:%s=%d:%s;", len(key), key, len(value), value)
}

// Hash возвращает hex-представление SHA-256 от канонической формы.
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// HashFields сокращение для Canonicalize + Hash.
func HashFields(f ContractFields) string {
	return Hash(Canonicalize(f))
}

// Verify пересчитывает хэш и сравнивает с сохранённым.
// Несовпадение на момент подписания — жёсткая остановка, не предупреждение.
func Verify(storedHash string, f ContractFields) bool {
	recomputed, err := hex.DecodeString(HashFields(f))
	if err != nil {
		return false
	}
	stored, err := hex.DecodeString(storedHash)
	if err != nil {
		return false
	}
	return bytes.Equal(stored, recomputed)
}
