package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Use cases double as cost-tag suffixes.
const (
	UseCaseIntent    = "INTENT"
	UseCaseNER       = "NER"
	UseCaseStabilise = "STABILISE"
	UseCaseEmbed     = "EMBED"
	UseCaseRerank    = "RERANK"
	UseCaseGenerate  = "GENERATE"
	UseCaseCorrect   = "CORRECT"
	UseCaseSummary   = "SUMMARY"
	UseCaseOpenWorld = "OPENWORLD"
	UseCaseSuggest   = "SUGGEST"
	UseCaseChart     = "CHART"
)

const (
	RouteText2SQL       = "Text2SQL"
	RouteGeneralPurpose = "GeneralPurpose"
)

type IntentOutput struct {
	Route string `json:"route" enum:"Text2SQL,GeneralPurpose" description:"Which pipeline answers the question"`
}

type StabiliseOutput struct {
	FixedQuery string `json:"fixed_query" description:"Canonical restatement of the question"`
}

type NEROutput struct {
	Entities []string `json:"entities" description:"Named entities mentioned in the question"`
}

type RerankItem struct {
	Question   string  `json:"question"`
	Sample     int     `json:"sample" description:"Index of the retrieved example"`
	Confidence float64 `json:"confidence"`
}

type RerankOutput struct {
	Response []RerankItem `json:"response"`
}

type GenerateOutput struct {
	GeneratedSQL string `json:"generated_sql"`
}

type CorrectOutput struct {
	CorrectedSQL string `json:"corrected_sql"`
}

type ChartSpec struct {
	Type  string `json:"type" description:"bar, line, pie, scatter or table"`
	X     string `json:"x"`
	Y     string `json:"y"`
	Title string `json:"title"`
}

type ChartOutput struct {
	Charts []ChartSpec `json:"charts"`
}

type TextOutput struct {
	Response string `json:"response"`
}

type SuggestionsOutput struct {
	Questions []string `json:"questions"`
}

var (
	ClassifyIntent = MustSchema("classify_intent", func(o IntentOutput) error {
		switch o.Route {
		case RouteText2SQL, RouteGeneralPurpose:
			return nil
		default:
			return fmt.Errorf("unknown route %q", o.Route)
		}
	})
	Stabilise = MustSchema("stabilise", func(o StabiliseOutput) error {
		return requireText("fixed_query", o.FixedQuery)
	})
	NER      = MustSchema[NEROutput]("ner", nil)
	Rerank   = MustSchema[RerankOutput]("rerank", nil)
	Generate = MustSchema("generate", func(o GenerateOutput) error {
		return requireText("generated_sql", o.GeneratedSQL)
	})
	Correct = MustSchema("correct", func(o CorrectOutput) error {
		return requireText("corrected_sql", o.CorrectedSQL)
	})
	ChartRec  = MustSchema[ChartOutput]("chart_recommendation", nil)
	Summary   = MustSchema[TextOutput]("summary", nil)
	OpenWorld = MustSchema("open_world", func(o TextOutput) error {
		return requireText("response", o.Response)
	})
	Recommend = MustSchema[SuggestionsOutput]("question_recommendation", nil)
)

var errEmptyField = errors.New("empty field")

func requireText(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s", errEmptyField, field)
	}
	return nil
}
