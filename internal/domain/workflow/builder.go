package workflow

import (
	"context"
	"fmt"
	"sort"
)

// GuardFunc decides whether a configured transition may be taken
type GuardFunc func(ctx context.Context) bool

// StateMachineBuilder collects transition tables and stamps out machines
type StateMachineBuilder interface {
	// Configure returns the transition table for the given source state
	Configure(state State) StateConfiguration

	// Build creates a machine positioned at initialState
	Build(initialState State) StateMachine
}

// StateConfiguration configures transitions out of one state
type StateConfiguration interface {
	// Permit allows a trigger to move to the target state
	Permit(trigger Trigger, toState State) StateConfiguration

	// PermitIf allows a trigger to move to the target state when guard passes
	PermitIf(trigger Trigger, toState State, guard GuardFunc) StateConfiguration
}

type edge struct {
	to    State
	guard GuardFunc
}

type stateConfig struct {
	from  State
	edges map[Trigger][]edge
}

type stateMachineBuilder struct {
	configurations map[State]*stateConfig
}

type stateMachine struct {
	current State
	table   map[State]*stateConfig
}

// NewBuilder creates an empty builder
func NewBuilder() StateMachineBuilder {
	return &stateMachineBuilder{configurations: make(map[State]*stateConfig)}
}

func (b *stateMachineBuilder) Configure(state State) StateConfiguration {
	if !state.IsValid() {
		panic(fmt.Sprintf("invalid state: %s", state))
	}
	cfg, ok := b.configurations[state]
	if !ok {
		cfg = &stateConfig{from: state, edges: make(map[Trigger][]edge)}
		b.configurations[state] = cfg
	}
	return cfg
}

// Build copies the transition table so later Configure calls do not leak into built machines
func (b *stateMachineBuilder) Build(initialState State) StateMachine {
	if !initialState.IsValid() {
		panic(fmt.Sprintf("invalid initial state: %s", initialState))
	}

	table := make(map[State]*stateConfig, len(b.configurations))
	for state, cfg := range b.configurations {
		edges := make(map[Trigger][]edge, len(cfg.edges))
		for trigger, list := range cfg.edges {
			edges[trigger] = append([]edge(nil), list...)
		}
		table[state] = &stateConfig{from: state, edges: edges}
	}

	return &stateMachine{current: initialState, table: table}
}

func (c *stateConfig) Permit(trigger Trigger, toState State) StateConfiguration {
	return c.PermitIf(trigger, toState, nil)
}

func (c *stateConfig) PermitIf(trigger Trigger, toState State, guard GuardFunc) StateConfiguration {
	if !toState.IsValid() {
		panic(fmt.Sprintf("invalid target state: %s", toState))
	}
	if c.from.IsTerminal() {
		panic(fmt.Sprintf("terminal state %s cannot have transitions", c.from))
	}
	c.edges[trigger] = append(c.edges[trigger], edge{to: toState, guard: guard})
	return c
}

func (m *stateMachine) State() State {
	return m.current
}

func (m *stateMachine) CanFire(ctx context.Context, trigger Trigger) bool {
	_, err := m.resolve(ctx, trigger)
	return err == nil
}

func (m *stateMachine) Fire(ctx context.Context, trigger Trigger) (Transition, error) {
	to, err := m.resolve(ctx, trigger)
	if err != nil {
		return Transition{}, err
	}
	tr := Transition{From: m.current, To: to, Trigger: trigger}
	m.current = to
	return tr, nil
}

// resolve finds the first edge whose guard passes
func (m *stateMachine) resolve(ctx context.Context, trigger Trigger) (State, error) {
	cfg, ok := m.table[m.current]
	if !ok {
		return "", fmt.Errorf("%w: %s is not allowed from %s", ErrInvalidTransition, trigger, m.current)
	}
	edges := cfg.edges[trigger]
	if len(edges) == 0 {
		return "", fmt.Errorf("%w: %s is not allowed from %s", ErrInvalidTransition, trigger, m.current)
	}
	for _, e := range edges {
		if e.guard == nil || e.guard(ctx) {
			return e.to, nil
		}
	}
	return "", fmt.Errorf("%w: %s from %s", ErrGuardFailed, trigger, m.current)
}

func (m *stateMachine) PermittedTriggers() []Trigger {
	cfg, ok := m.table[m.current]
	if !ok {
		return []Trigger{}
	}
	triggers := make([]Trigger, 0, len(cfg.edges))
	for trigger := range cfg.edges {
		triggers = append(triggers, trigger)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i] < triggers[j] })
	return triggers
}
