// Package automation provides the rule engine for Gray Logic Automation.
//
// A rule pairs named triggers and an optional schedule with AND-combined
// conditions and an ordered list of actions. When a trigger fires or the
// schedule falls due, every matching rule whose conditions pass gets its own
// Execution record, and its actions run in the background.
//
// Architecture:
//
//	┌────────────────────────────────────────────────────────┐
//	│                  Engine (engine.go)                     │
//	│  CRUD · fan-out · kickoff · sweep · cancel · dry run    │
//	│  ┌──────────────┐    ┌────────────────┐                │
//	│  │TriggerManager│───▶│   Repository   │                │
//	│  │  (triggers/) │    │(repository.go) │                │
//	│  └──────────────┘    └────────────────┘                │
//	│        │                                                │
//	│        ▼                                                │
//	│  ┌──────────────────────────────────────────────┐      │
//	│  │  Execution Pipeline (run.go)                  │      │
//	│  │  1. Persist execution as Pending              │      │
//	│  │  2. Wait for a worker slot                    │      │
//	│  │  3. Mark Running, run actions per run mode    │      │
//	│  │  4. Append each result as it completes        │      │
//	│  │  5. Finalise once, fold into rule metrics     │      │
//	│  │  6. Broadcast WebSocket + MQTT events         │      │
//	│  └──────────────────────────────────────────────┘      │
//	└────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Rule: triggers, conditions, actions, schedule and metrics
//   - Condition: field/operator/value predicate or CEL expression
//   - Schedule: once, daily, weekly, monthly, interval or cron recurrence
//   - Execution: one run of a rule; Pending → Running → terminal
//   - HandlerRegistry: ActionExecutor dispatching on action type
//   - Scheduler: background loop driving sweep, triggers and cleanup
//
// # Thread Safety
//
// Engine, HandlerRegistry and ExpressionEvaluator are safe for concurrent use.
// Status transitions are compare-and-swap updates in the repository, so a
// concurrent cancel and finish resolve to exactly one terminal state.
//
// # Usage
//
//	repo := automation.NewSQLiteRepository(db.DB)
//	handlers := automation.NewHandlerRegistry()
//	actions.RegisterDefaults(handlers, actions.Deps{MQTT: mqttClient, Hub: hub})
//
//	engine, err := automation.NewEngine(automation.Deps{
//	    Repo:     repo,
//	    Executor: handlers,
//	    Triggers: triggerManager,
//	    Logger:   log,
//	})
//	executionID, err := engine.ExecuteRule(ctx, ruleID, nil, "api")
package automation
