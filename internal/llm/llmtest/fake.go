// Package llmtest provides a scripted llm.Completer for pipeline tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/adaql/ada/internal/llm"
)

// Fake replays queued responses per use case. The last queued response for a
// use case repeats once the queue is drained.
type Fake struct {
	mu        sync.Mutex
	responses map[string][]string
	errs      map[string]error
	embedding []float32
	calls     []llm.Call
	embeds    []llm.EmbedCall
}

func New() *Fake {
	return &Fake{
		responses: make(map[string][]string),
		errs:      make(map[string]error),
		embedding: make([]float32, 1536),
	}
}

// Respond queues a JSON-encoded response for useCase.
func (f *Fake) Respond(useCase string, v any) *Fake {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[useCase] = append(f.responses[useCase], string(raw))
	return f
}

func (f *Fake) Fail(useCase string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[useCase] = err
	return f
}

func (f *Fake) WithEmbedding(v []float32) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedding = v
	return f
}

func (f *Fake) Complete(_ context.Context, call llm.Call, _ llm.SchemaSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if err := f.errs[call.UseCase]; err != nil {
		return "", err
	}
	queue := f.responses[call.UseCase]
	if len(queue) == 0 {
		return "", fmt.Errorf("llmtest: no response scripted for %s", call.UseCase)
	}
	out := queue[0]
	if len(queue) > 1 {
		f.responses[call.UseCase] = queue[1:]
	}
	return out, nil
}

func (f *Fake) Embed(_ context.Context, call llm.EmbedCall) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embeds = append(f.embeds, call)
	if err := f.errs[call.UseCase]; err != nil {
		return nil, err
	}
	return append([]float32(nil), f.embedding...), nil
}

func (f *Fake) Calls(useCase string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.UseCase == useCase {
			n++
		}
	}
	return n
}

// Total counts completions and embeddings.
func (f *Fake) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls) + len(f.embeds)
}

func (f *Fake) LastCall(useCase string) (llm.Call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].UseCase == useCase {
			return f.calls[i], true
		}
	}
	return llm.Call{}, false
}
