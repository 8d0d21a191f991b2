package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики ядра. Леджерные вызовы считаем по операции и исходу,
// компенсации и гонки дедлайнов — отдельными счётчиками: это главные
// сигналы того, что протокол согласованности работает (или нет).
var (
	LedgerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_calls_total",
		Help: "Вызовы операций леджера по операции и исходу (confirmed/rejected/timeout).",
	}, []string{"op", "outcome"})

	Compensations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_compensations_total",
		Help: "Компенсирующие вызовы после сбоя локальной записи.",
	})

	CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_compensation_failures_total",
		Help: "Неудавшиеся компенсации, требующие вмешательства оператора.",
	})

	SchedulerSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deadline_scheduler_sweeps_total",
		Help: "Количество проходов планировщика дедлайнов.",
	})

	DeadlineRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deadline_races_total",
		Help: "Автопереходы, отброшенные из-за опередившего действия пользователя.",
	})

	AutoTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auto_transitions_total",
		Help: "Выполненные автоматические переходы по виду (submission_expired/review_expired).",
	}, []string{"kind"})
)
