// Package ledger реализует шлюз к внешнему эскроу-леджеру.
// Леджер — чёрный ящик за HTTP API: каждая мутирующая операция
// блокируется до подтверждения или отказа. Сам леджер дедупликацию
// не гарантирует, поэтому каждый вызов несёт корреляционный
// идентификатор, сохранённый на сущности до отправки.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-backend/internal/metrics"
)

// ErrTimeout исход операции неизвестен: сеть, таймаут подтверждения
// или 5xx. Перед любым повтором обязательна сверка состояния через
// GetEscrow/GetDispute, слепой повтор мутирующего вызова запрещён.
var ErrTimeout = errors.New("ledger: исход операции неизвестен")

// RejectionError явный отказ леджера: неверное состояние, не тот
// вызывающий, недостаточно средств. Повтор бессмыслен, причина
// передаётся вызывающему дословно.
type RejectionError struct {
	Op     string
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger: операция %s отклонена (%s): %s", e.Op, e.Code, e.Reason)
}

// AsRejection извлекает отказ леджера из цепочки ошибок.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Client HTTP клиент леджера.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт клиента леджера.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type rejectionBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// do выполняет запрос и классифицирует сбой: сеть/5xx — таймаут с
// неизвестным исходом, 4xx — явный отказ с причиной из тела.
func (c *Client) do(ctx context.Context, op, method, path string, correlation *uuid.UUID, body, out interface{}) error {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return fmt.Errorf("ledger: не удалось сериализовать запрос %s: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &reqBody)
	if err != nil {
		return fmt.Errorf("ledger: не удалось создать запрос %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if correlation != nil {
		req.Header.Set("X-Correlation-Id", correlation.String())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.LedgerCalls.WithLabelValues(op, "timeout").Inc()
		return fmt.Errorf("ledger: %s: %v: %w", op, err, ErrTimeout)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		metrics.LedgerCalls.WithLabelValues(op, "timeout").Inc()
		return fmt.Errorf("ledger: %s: статус %d: %w", op, resp.StatusCode, ErrTimeout)
	case resp.StatusCode >= 400:
		metrics.LedgerCalls.WithLabelValues(op, "rejected").Inc()
		var rej rejectionBody
		if err := json.NewDecoder(resp.Body).Decode(&rej); err != nil || rej.Reason == "" {
			rej.Reason = fmt.Sprintf("статус %d", resp.StatusCode)
		}
		return &RejectionError{Op: op, Code: rej.Code, Reason: rej.Reason}
	}

	metrics.LedgerCalls.WithLabelValues(op, "confirmed").Inc()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// Подтверждение получено, но точный результат потерян:
			// для вызывающего это тот же неизвестный исход.
			return fmt.Errorf("ledger: %s: не удалось прочитать подтверждение: %v: %w", op, err, ErrTimeout)
		}
	}
	return nil
}

// CreateEscrow создаёт эскроу и возвращает идентификатор, назначенный леджером.
func (c *Client) CreateEscrow(ctx context.Context, ref uuid.UUID, params CreateEscrowParams) (*CreateEscrowResult, error) {
	var res CreateEscrowResult
	if err := c.do(ctx, "create_escrow", http.MethodPost, "/escrows", &ref, params, &res); err != nil {
		return nil, err
	}
	if res.EscrowID == "" {
		return nil, fmt.Errorf("ledger: create_escrow: подтверждение без escrow_id: %w", ErrTimeout)
	}
	return &res, nil
}

// UpdateEscrow обновляет условия, допускается только до подписания.
func (c *Client) UpdateEscrow(ctx context.Context, ref uuid.UUID, escrowID string, params UpdateEscrowParams) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "update_escrow", http.MethodPost, "/escrows/"+escrowID+"/update", &ref, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AssignWorker закрепляет исполнителя за эскроу.
func (c *Client) AssignWorker(ctx context.Context, ref uuid.UUID, escrowID, workerIdentity string) (*TxResult, error) {
	var res TxResult
	body := map[string]string{"worker_identity": workerIdentity}
	if err := c.do(ctx, "assign_worker", http.MethodPost, "/escrows/"+escrowID+"/assign", &ref, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Sign подписывает контракт от имени исполнителя.
func (c *Client) Sign(ctx context.Context, ref uuid.UUID, escrowID, contractHash string) (*TxResult, error) {
	var res TxResult
	body := map[string]string{"contract_hash": contractHash}
	if err := c.do(ctx, "sign", http.MethodPost, "/escrows/"+escrowID+"/sign", &ref, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ConfirmSignature подтверждает подпись со стороны заказчика.
func (c *Client) ConfirmSignature(ctx context.Context, ref uuid.UUID, escrowID string) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "confirm_signature", http.MethodPost, "/escrows/"+escrowID+"/confirm-signature", &ref, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitDeliverable фиксирует сдачу работы со ссылкой на улики.
func (c *Client) SubmitDeliverable(ctx context.Context, ref uuid.UUID, escrowID, evidenceRef string) (*TxResult, error) {
	var res TxResult
	body := map[string]string{"evidence_ref": evidenceRef}
	if err := c.do(ctx, "submit_deliverable", http.MethodPost, "/escrows/"+escrowID+"/submit", &ref, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReleasePayment выплачивает средства исполнителю.
func (c *Client) ReleasePayment(ctx context.Context, ref uuid.UUID, escrowID string) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "release_payment", http.MethodPost, "/escrows/"+escrowID+"/release", &ref, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RequestRevision возвращает работу на доработку.
func (c *Client) RequestRevision(ctx context.Context, ref uuid.UUID, escrowID string) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "request_revision", http.MethodPost, "/escrows/"+escrowID+"/revision", &ref, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FreelancerWithdraw выход исполнителя после подписания, штраф считает леджер.
func (c *Client) FreelancerWithdraw(ctx context.Context, ref uuid.UUID, escrowID string) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "freelancer_withdraw", http.MethodPost, "/escrows/"+escrowID+"/withdraw", &ref, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// QueryWithdrawalPenalty возвращает штраф за выход, чтобы показать его до подтверждения.
func (c *Client) QueryWithdrawalPenalty(ctx context.Context, escrowID string) (int64, error) {
	var res PenaltyResult
	if err := c.do(ctx, "query_withdrawal_penalty", http.MethodGet, "/escrows/"+escrowID+"/withdrawal-penalty", nil, nil, &res); err != nil {
		return 0, err
	}
	return res.Amount, nil
}

// CancelBeforeSigning отмена без штрафа до подписания; также служит
// компенсацией, когда эскроу создан, а запись работы не зафиксировалась.
func (c *Client) CancelBeforeSigning(ctx context.Context, ref uuid.UUID, escrowID string) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "cancel_before_signing", http.MethodPost, "/escrows/"+escrowID+"/cancel", &ref, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelAfterSigning расторжение после подписания с полным возвратом заказчику.
func (c *Client) CancelAfterSigning(ctx context.Context, ref uuid.UUID, escrowID string) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "cancel_after_signing", http.MethodPost, "/escrows/"+escrowID+"/reject", &ref, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// OpenDispute открывает спор, идентификатор спора назначает леджер.
func (c *Client) OpenDispute(ctx context.Context, ref uuid.UUID, escrowID string) (*OpenDisputeResult, error) {
	var res OpenDisputeResult
	if err := c.do(ctx, "open_dispute", http.MethodPost, "/escrows/"+escrowID+"/disputes", &ref, nil, &res); err != nil {
		return nil, err
	}
	if res.DisputeID == "" {
		return nil, fmt.Errorf("ledger: open_dispute: подтверждение без dispute_id: %w", ErrTimeout)
	}
	return &res, nil
}

// ClaimTimeoutWin решает спор в пользу заказчика при молчании исполнителя.
func (c *Client) ClaimTimeoutWin(ctx context.Context, ref uuid.UUID, disputeID string) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "claim_timeout_win", http.MethodPost, "/disputes/"+disputeID+"/timeout-win", &ref, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ClaimDisputeRefund выдаёт средства выигравшей стороне по запросу.
func (c *Client) ClaimDisputeRefund(ctx context.Context, ref uuid.UUID, disputeID string) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "claim_dispute_refund", http.MethodPost, "/disputes/"+disputeID+"/refund-claim", &ref, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StartVoting открывает голосование арбитров.
func (c *Client) StartVoting(ctx context.Context, ref uuid.UUID, disputeID string) (*TxResult, error) {
	var res TxResult
	if err := c.do(ctx, "start_voting", http.MethodPost, "/disputes/"+disputeID+"/voting", &ref, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CastVote учитывает голос арбитра. Порог контролирует леджер: при его
// достижении в ответе приходит резолюция с победителем.
func (c *Client) CastVote(ctx context.Context, ref uuid.UUID, disputeID string, favorEmployer bool) (*VoteResult, error) {
	var res VoteResult
	body := map[string]bool{"favor_employer": favorEmployer}
	if err := c.do(ctx, "cast_vote", http.MethodPost, "/disputes/"+disputeID+"/votes", &ref, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResolveDispute принудительное решение спора. Для уже решённого спора
// леджер отвечает идемпотентно, повторный вызов не двигает средства.
func (c *Client) ResolveDispute(ctx context.Context, ref uuid.UUID, escrowID, winnerIdentity string) (*TxResult, error) {
	var res TxResult
	body := map[string]string{"winner_identity": winnerIdentity}
	if err := c.do(ctx, "resolve_dispute", http.MethodPost, "/escrows/"+escrowID+"/resolve", &ref, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetEscrow читает актуальное состояние эскроу. Используется для
// сверки после таймаута перед любым повтором.
func (c *Client) GetEscrow(ctx context.Context, escrowID string) (*EscrowState, error) {
	var res EscrowState
	if err := c.do(ctx, "get_escrow", http.MethodGet, "/escrows/"+escrowID, nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FindByCorrelation ищет исход операции по корреляционному
// идентификатору. Единственный безопасный способ узнать, создался ли
// эскроу, когда подтверждение create_escrow потерялось.
func (c *Client) FindByCorrelation(ctx context.Context, ref uuid.UUID) (*EscrowState, error) {
	var res EscrowState
	if err := c.do(ctx, "find_by_correlation", http.MethodGet, "/operations/"+ref.String(), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FindDisputeByCorrelation ищет спор по корреляционному идентификатору
// операции открытия. Единственный безопасный способ узнать, открылся ли
// спор, когда подтверждение open_dispute потерялось.
func (c *Client) FindDisputeByCorrelation(ctx context.Context, ref uuid.UUID) (*DisputeState, error) {
	var res DisputeState
	if err := c.do(ctx, "find_dispute_by_correlation", http.MethodGet, "/disputes/operations/"+ref.String(), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetDispute читает актуальное состояние спора.
func (c *Client) GetDispute(ctx context.Context, disputeID string) (*DisputeState, error) {
	var res DisputeState
	if err := c.do(ctx, "get_dispute", http.MethodGet, "/disputes/"+disputeID, nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping проверяет доступность леджера.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil, nil)
}
