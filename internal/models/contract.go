package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContractTerm один пункт условий контракта. Порядок пунктов значим
// и входит в канонический вид при хэшировании.
type ContractTerm struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ContractTerms хранится в jsonb колонке.
type ContractTerms []ContractTerm

func (t ContractTerms) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (t *ContractTerms) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, t)
	case string:
		return json.Unmarshal([]byte(v), t)
	case nil:
		*t = nil
		return nil
	default:
		return fmt.Errorf("models: неподдерживаемый тип для ContractTerms: %T", src)
	}
}

// JobContract условия контракта, один к одному с работой.
// ContractHash вычисляется один раз перед созданием эскроу и связывает
// изменяемую запись в базе с неизменяемой записью в леджере.
type JobContract struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	JobID        uuid.UUID     `db:"job_id" json:"job_id"`
	Terms        ContractTerms `db:"terms" json:"terms"`
	Requirements string        `db:"requirements" json:"requirements"`
	Deliverables string        `db:"deliverables" json:"deliverables"`
	DeadlineDays int           `db:"deadline_days" json:"deadline_days"`
	ReviewDays   int           `db:"review_days" json:"review_days"`
	ContractHash *string       `db:"contract_hash" json:"contract_hash,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}
