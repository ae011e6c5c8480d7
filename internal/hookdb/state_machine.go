package hookdb

import (
	"fmt"
	"strings"
)

// Step is the state of a setup or backfill machine: either NeedsInputStep or
// CompleteStep.
type Step interface {
	View() StepView
	Complete() bool
}

// StepView is the transport shape handed to configuring clients.
type StepView struct {
	NeedsInput     bool    `json:"needs_input"`
	Complete       bool    `json:"complete"`
	Output         string  `json:"output"`
	Prompt         *string `json:"prompt"`
	PromptIsSecret *bool   `json:"prompt_is_secret"`
	PostToURL      *string `json:"post_to_url"`
}

type NeedsInputStep struct {
	Output    string
	Prompt    string
	Secret    bool
	PostToURL string
}

func (s NeedsInputStep) Complete() bool { return false }

func (s NeedsInputStep) View() StepView {
	prompt := s.Prompt
	secret := s.Secret
	post := s.PostToURL
	return StepView{
		NeedsInput:     true,
		Output:         s.Output,
		Prompt:         &prompt,
		PromptIsSecret: &secret,
		PostToURL:      &post,
	}
}

type CompleteStep struct {
	Output string
}

func (s CompleteStep) Complete() bool { return true }

func (s CompleteStep) View() StepView {
	return StepView{Complete: true, Output: s.Output}
}

type Machine int

const (
	CreateMachine Machine = iota + 1
	BackfillMachine
)

func (m Machine) String() string {
	switch m {
	case CreateMachine:
		return "create"
	case BackfillMachine:
		return "backfill"
	}
	return fmt.Sprintf("machine(%d)", int(m))
}

// Field is a typed accessor for one configurable integration attribute.
type Field struct {
	Name string
	Get  func(*ServiceIntegration) string
	Set  func(*ServiceIntegration, string) error
}

func trimmedSetter(assign func(*ServiceIntegration, string)) func(*ServiceIntegration, string) error {
	return func(sint *ServiceIntegration, value string) error {
		assign(sint, strings.TrimSpace(value))
		return nil
	}
}

var (
	WebhookSecretField = Field{
		Name: "webhook_secret",
		Get:  func(s *ServiceIntegration) string { return s.WebhookSecret },
		Set:  trimmedSetter(func(s *ServiceIntegration, v string) { s.WebhookSecret = v }),
	}
	BackfillKeyField = Field{
		Name: "backfill_key",
		Get:  func(s *ServiceIntegration) string { return s.BackfillKey },
		Set:  trimmedSetter(func(s *ServiceIntegration, v string) { s.BackfillKey = v }),
	}
	BackfillSecretField = Field{
		Name: "backfill_secret",
		Get:  func(s *ServiceIntegration) string { return s.BackfillSecret },
		Set:  trimmedSetter(func(s *ServiceIntegration, v string) { s.BackfillSecret = v }),
	}
	APIURLField = Field{
		Name: "api_url",
		Get:  func(s *ServiceIntegration) string { return s.APIURL },
		Set: func(s *ServiceIntegration, v string) error {
			v = strings.TrimSpace(v)
			if v != "" && !strings.HasPrefix(v, "https://") && !strings.HasPrefix(v, "http://") {
				return configurationErrorf("api_url must be an http(s) url")
			}
			s.APIURL = strings.TrimRight(v, "/")
			return nil
		},
	}
)

// RequiredField is one prompt in a machine's ordered list.
type RequiredField struct {
	Field  Field
	Output string
	Prompt string
	Secret bool
}

// Transition binds an allow-listed field name to the machine it feeds.
type Transition struct {
	Field   Field
	Machine Machine
}

// NextStep asks for the first missing field or reports completion.
func NextStep(env *Env, fields []RequiredField, complete func() Step) Step {
	for _, f := range fields {
		if f.Field.Get(env.Integration) != "" {
			continue
		}
		return NeedsInputStep{
			Output:    f.Output,
			Prompt:    f.Prompt,
			Secret:    f.Secret,
			PostToURL: env.TransitionURL(f.Field.Name),
		}
	}
	return complete()
}

// TransitionsFor builds the allow-list from a type's required field lists.
func TransitionsFor(create, backfill []RequiredField) map[string]Transition {
	out := make(map[string]Transition, len(create)+len(backfill))
	for _, f := range create {
		out[f.Field.Name] = Transition{Field: f.Field, Machine: CreateMachine}
	}
	for _, f := range backfill {
		if _, ok := out[f.Field.Name]; ok {
			continue
		}
		out[f.Field.Name] = Transition{Field: f.Field, Machine: BackfillMachine}
	}
	return out
}

func machineStep(r Replicator, m Machine) Step {
	switch m {
	case CreateMachine:
		return r.CreateStateMachine()
	case BackfillMachine:
		return r.BackfillStateMachine()
	}
	panic(fmt.Sprintf("invariant violation: unknown state machine %d", int(m)))
}
