package question

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed questions.yaml
var embeddedBank []byte

// ErrNotFound is returned for an unknown question id
var ErrNotFound = errors.New("question not found")

// Question is one interview question with a STAR example answer
type Question struct {
	ID        string   `yaml:"id" json:"id"`
	Category  string   `yaml:"category" json:"category"`
	Question  string   `yaml:"question" json:"question"`
	Situation string   `yaml:"situation" json:"situation"`
	Task      string   `yaml:"task" json:"task"`
	Action    string   `yaml:"action" json:"action"`
	Result    string   `yaml:"result" json:"result"`
	Signals   []string `yaml:"signals" json:"keyContentSignals"`
}

// ExampleAnswer joins the STAR parts into one spoken answer
func (q Question) ExampleAnswer() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{q.Situation, q.Task, q.Action, q.Result} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

type bankFile struct {
	Questions []Question `yaml:"questions"`
}

// Bank holds the questions in their declared order
type Bank struct {
	questions []Question
	byID      map[string]int
}

// Load reads the bank from path, or the embedded bank when path is empty
func Load(path string) (*Bank, error) {
	data := embeddedBank
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read question bank: %w", err)
		}
	}
	return Parse(data)
}

// Parse builds a bank from YAML
func Parse(data []byte) (*Bank, error) {
	var f bankFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse question bank: %w", err)
	}
	if len(f.Questions) == 0 {
		return nil, fmt.Errorf("question bank is empty")
	}

	b := &Bank{byID: make(map[string]int, len(f.Questions))}
	for _, q := range f.Questions {
		if q.ID == "" {
			return nil, fmt.Errorf("question %q has no id", q.Category)
		}
		if _, dup := b.byID[q.ID]; dup {
			return nil, fmt.Errorf("duplicate question id %q", q.ID)
		}
		for i, s := range q.Signals {
			q.Signals[i] = strings.ToLower(strings.TrimSpace(s))
		}
		b.byID[q.ID] = len(b.questions)
		b.questions = append(b.questions, q)
	}
	return b, nil
}

// Get returns the question with the given id
func (b *Bank) Get(id string) (Question, error) {
	i, ok := b.byID[id]
	if !ok {
		return Question{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return b.questions[i], nil
}

// List returns all questions in order
func (b *Bank) List() []Question {
	out := make([]Question, len(b.questions))
	copy(out, b.questions)
	return out
}
