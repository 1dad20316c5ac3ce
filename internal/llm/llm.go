package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/readiness/internal/llm/prompts"
	"github.com/pavelanni/readiness/internal/model"
	"github.com/pavelanni/readiness/internal/questionbank"

	openai "github.com/sashabaranov/go-openai"
)

// Report sources recorded with stored narratives.
const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// Report is the narrative part of a diagnosis report.
type Report struct {
	Summary         string   `json:"summary"`
	Strengths       []string `json:"strengths"`
	Gaps            []string `json:"gaps"`
	Recommendations []string `json:"recommendations"`
	Source          string   `json:"-"`
}

// Text renders the report as plain text for storage and e-mail.
func (r Report) Text() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(r.Summary))
	sb.WriteString("\n")
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		sb.WriteString("\n" + title + ":\n")
		for _, it := range items {
			sb.WriteString("- " + strings.TrimSpace(it) + "\n")
		}
	}
	section("Strengths", r.Strengths)
	section("Gaps", r.Gaps)
	section("Recommendations", r.Recommendations)
	return sb.String()
}

// ReportInput is everything a report is written from.
type ReportInput struct {
	Company model.CompanyInfo
	Result  model.DiagnosisResult
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
	bank    *questionbank.Bank
}

// New creates a new LLM client. An unknown variant falls back to executive.
func New(baseURL, apiKey, modelName, variant string, bank *questionbank.Bank) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	v := prompts.PromptExecutive
	if prompts.IsValidVariant(variant) {
		v = prompts.PromptVariant(variant)
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: v,
		bank:    bank,
	}
}

// GenerateReport asks the model for a narrative report.
func (c *Client) GenerateReport(ctx context.Context, in ReportInput) (*Report, error) {
	systemPrompt, err := prompts.BuildReportPrompt(c.variant, reportData(c.bank, in))
	if err != nil {
		return nil, fmt.Errorf("build report prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Write the report."},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.4,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	if strings.TrimSpace(report.Summary) == "" {
		return nil, fmt.Errorf("LLM response has no summary (raw: %s)", raw)
	}
	report.Source = SourceLLM
	return &report, nil
}

func reportData(bank *questionbank.Bank, in ReportInput) prompts.ReportData {
	data := prompts.ReportData{
		Company:         in.Company.CompanyName,
		Industry:        in.Company.Industry,
		CompanySize:     in.Company.CompanySize,
		JobTitle:        in.Company.JobTitle,
		TotalScore:      in.Result.TotalScore,
		Grade:           string(in.Result.Grade),
		IndustryAverage: in.Result.Benchmark.IndustryAverage,
		Gap:             in.Result.Benchmark.Gap,
		Percentile:      in.Result.Benchmark.Percentile,
	}
	for _, cat := range bank.Categories() {
		data.Categories = append(data.Categories, prompts.CategoryLine{
			Title: cat.Title,
			Score: in.Result.CategoryScores[cat.Key],
		})
	}
	return data
}

// strongScore and weakScore split categories for the fallback report.
const (
	strongScore = 70
	weakScore   = 50
)

// FallbackReport builds a deterministic report from the scores alone.
func FallbackReport(bank *questionbank.Bank, in ReportInput) Report {
	r := in.Result
	b := r.Benchmark

	position := "in line with"
	switch {
	case b.Gap > 0:
		position = fmt.Sprintf("%d points above", b.Gap)
	case b.Gap < 0:
		position = fmt.Sprintf("%d points below", -b.Gap)
	}

	report := Report{
		Summary: fmt.Sprintf("%s scored %d/100 (grade %s), %s the %s industry average of %d (percentile %d).",
			in.Company.CompanyName, r.TotalScore, r.Grade, position, in.Company.Industry, b.IndustryAverage, b.Percentile),
		Source: SourceFallback,
	}

	var weakest *questionbank.Category
	lowest := 101
	for _, cat := range bank.Categories() {
		score := r.CategoryScores[cat.Key]
		switch {
		case score >= strongScore:
			report.Strengths = append(report.Strengths, fmt.Sprintf("%s (%d/100)", cat.Title, score))
		case score < weakScore:
			report.Gaps = append(report.Gaps, fmt.Sprintf("%s (%d/100)", cat.Title, score))
		}
		if score < lowest {
			lowest = score
			c := cat
			weakest = &c
		}
	}
	if weakest != nil {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("Start with %s, your lowest-scoring area at %d/100.", weakest.Title, lowest))
	}
	if b.Gap < 0 {
		report.Recommendations = append(report.Recommendations,
			"Close the gap to your industry peers before scaling pilot projects.")
	} else {
		report.Recommendations = append(report.Recommendations,
			"Use your lead over industry peers to move proven pilots into production.")
	}
	return report
}
