// Package flowconfig loads and validates the conversation graph.
//
// Flows are authored as YAML or JSON documents with a top-level "steps" mapping.
// Each step is decoded into the models.FlowStep variant matching its "type".
package flowconfig

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/Hugoapk93/agendabot/internal/models"
)

//go:embed default_flow.yaml
var defaultFlowYAML []byte

// DefaultMessageDelay applies to message steps without an explicit delay.
const DefaultMessageDelay = 3 * time.Second

// Error variables for better error handling and testability
var (
	ErrUnknownStep = errors.New("unknown step")
	ErrInvalidFlow = errors.New("invalid flow configuration")
)

// Validators accepted on input steps.
var knownValidators = map[string]bool{"": true, "none": true, "name": true, "birthdate": true, "phone": true, "email": true}

// Flow is a validated conversation graph.
type Flow struct {
	Steps map[string]models.FlowStep
	// IDs lists step ids in sorted order for deterministic keyword scanning.
	IDs []string
}

// Step returns a step by id.
func (f *Flow) Step(id string) (models.FlowStep, bool) {
	s, ok := f.Steps[id]
	return s, ok
}

type document struct {
	Steps map[string]map[string]interface{} `yaml:"steps" json:"steps"`
}

type rawOption struct {
	Label    string `mapstructure:"label"`
	Trigger  string `mapstructure:"trigger"`
	NextStep string `mapstructure:"next_step"`
}

type rawStep struct {
	Type        string        `mapstructure:"type"`
	Message     string        `mapstructure:"message"`
	Keywords    []string      `mapstructure:"keywords"`
	Media       []string      `mapstructure:"media"`
	Options     []rawOption   `mapstructure:"options"`
	SaveVar     string        `mapstructure:"save_var"`
	Validator   string        `mapstructure:"validator"`
	NextStep    string        `mapstructure:"next_step"`
	Delay       time.Duration `mapstructure:"delay"`
	ClosedHours string        `mapstructure:"closed_hours"`
}

// Parse decodes a flow document. format is "json" or "yaml".
func Parse(data []byte, format string) (*Flow, error) {
	var doc document
	switch format {
	case "json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse flow json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse flow yaml: %w", err)
		}
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("%w: no steps defined", ErrInvalidFlow)
	}

	flow := &Flow{Steps: make(map[string]models.FlowStep, len(doc.Steps))}
	var errs []error
	for id, raw := range doc.Steps {
		step, err := decodeStep(id, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		flow.Steps[id] = step
		flow.IDs = append(flow.IDs, id)
	}
	sort.Strings(flow.IDs)

	errs = append(errs, validate(flow)...)
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlow, errors.Join(errs...))
	}
	return flow, nil
}

// Load reads a flow file, choosing the decoder by extension.
func Load(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return Parse(data, format)
}

// Default returns the built-in flow.
func Default() *Flow {
	flow, err := Parse(defaultFlowYAML, "yaml")
	if err != nil {
		panic(fmt.Sprintf("built-in flow is invalid: %v", err))
	}
	return flow
}

func decodeStep(id string, raw map[string]interface{}) (models.FlowStep, error) {
	var rs rawStep
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeDurationHookFunc(), secondsToDurationHook),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &rs,
	})
	if err != nil {
		return models.FlowStep{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return models.FlowStep{}, fmt.Errorf("step %s: %w", id, err)
	}

	step := models.FlowStep{ID: id, Template: rs.Message, Keywords: rs.Keywords, Media: rs.Media}
	switch models.StepKind(rs.Type) {
	case models.StepMenu:
		m := models.MenuStep{}
		for _, o := range rs.Options {
			m.Options = append(m.Options, models.Option{Label: o.Label, Trigger: o.Trigger, NextStep: o.NextStep})
		}
		step.Variant = m
	case models.StepInput:
		step.Variant = models.InputStep{SaveVar: rs.SaveVar, NextStep: rs.NextStep, Validator: rs.Validator}
	case models.StepAppointment:
		step.Variant = models.AppointmentStep{NextStep: rs.NextStep}
	case models.StepFilter:
		policy := models.ClosedHoursPolicy(rs.ClosedHours)
		if policy == "" {
			policy = models.ClosedHoursQueue
		}
		step.Variant = models.FilterStep{ClosedHours: policy}
	case models.StepMessage:
		delay := rs.Delay
		if delay == 0 {
			delay = DefaultMessageDelay
		}
		step.Variant = models.MessageStep{NextStep: rs.NextStep, Delay: delay}
	case models.StepEnd:
		step.Variant = models.EndStep{}
	default:
		return models.FlowStep{}, fmt.Errorf("step %s: unknown type %q", id, rs.Type)
	}
	return step, nil
}

// secondsToDurationHook reads bare numbers as seconds ("delay: 5").
func secondsToDurationHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

func validate(f *Flow) []error {
	var errs []error
	if _, ok := f.Steps[models.InitialStep]; !ok {
		errs = append(errs, fmt.Errorf("initial step %s is missing", models.InitialStep))
	}
	for _, id := range f.IDs {
		step := f.Steps[id]
		switch v := step.Variant.(type) {
		case models.MenuStep:
			if len(v.Options) == 0 {
				errs = append(errs, fmt.Errorf("step %s: menu has no options", id))
			}
			for i, o := range v.Options {
				if o.Label == "" || o.NextStep == "" {
					errs = append(errs, fmt.Errorf("step %s: option %d needs label and next_step", id, i+1))
				}
			}
		case models.InputStep:
			if v.SaveVar == "" {
				errs = append(errs, fmt.Errorf("step %s: input needs save_var", id))
			}
			if v.NextStep == "" {
				errs = append(errs, fmt.Errorf("step %s: input needs next_step", id))
			}
			if !knownValidators[v.Validator] {
				errs = append(errs, fmt.Errorf("step %s: unknown validator %q", id, v.Validator))
			}
		case models.MessageStep:
			if v.NextStep == "" {
				errs = append(errs, fmt.Errorf("step %s: message needs next_step", id))
			}
			if v.Delay < 0 {
				errs = append(errs, fmt.Errorf("step %s: negative delay", id))
			}
		case models.FilterStep:
			if v.ClosedHours != models.ClosedHoursQueue && v.ClosedHours != models.ClosedHoursDefer {
				errs = append(errs, fmt.Errorf("step %s: closed_hours must be queue or defer", id))
			}
		}

		if _, isMenu := step.Variant.(models.MenuStep); !isMenu {
			for _, target := range step.Variant.Targets() {
				if target == id {
					errs = append(errs, fmt.Errorf("step %s: next_step points to itself", id))
				}
			}
		}
		for _, target := range step.Variant.Targets() {
			if target == "" {
				continue
			}
			if _, ok := f.Steps[target]; !ok {
				errs = append(errs, fmt.Errorf("step %s: %w %q", id, ErrUnknownStep, target))
			}
		}
	}
	return errs
}

// Repo serves the current flow and supports hot reload.
type Repo struct {
	mu   sync.RWMutex
	path string
	flow *Flow
}

// NewRepo loads path, or the built-in flow when path is empty or missing.
func NewRepo(path string) (*Repo, error) {
	r := &Repo{path: path}
	flow, err := r.read()
	if err != nil {
		return nil, err
	}
	r.flow = flow
	return r, nil
}

// NewStaticRepo serves a fixed flow.
func NewStaticRepo(flow *Flow) *Repo {
	return &Repo{flow: flow}
}

func (r *Repo) read() (*Flow, error) {
	if r.path == "" {
		slog.Info("Repo.read: no flow file configured, using built-in flow")
		return Default(), nil
	}
	flow, err := Load(r.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Repo.read: flow file missing, using built-in flow", "path", r.path)
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Repo.read: flow loaded", "path", r.path, "steps", len(flow.Steps))
	return flow, nil
}

// Reload re-reads the flow file. On error the previous flow stays active.
func (r *Repo) Reload() error {
	flow, err := r.read()
	if err != nil {
		slog.Error("Repo.Reload: keeping previous flow", "path", r.path, "error", err)
		return err
	}
	r.mu.Lock()
	r.flow = flow
	r.mu.Unlock()
	return nil
}

// Get returns a step by id.
func (r *Repo) Get(id string) (models.FlowStep, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flow.Step(id)
}

// All returns the current flow. Callers must not mutate it.
func (r *Repo) All() *Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flow
}
