package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Generator produces a call-context summary for a warm transfer.
//
// Implementations may call external LLM providers; callers bound every
// invocation with a context deadline and treat expiry as recoverable
// (the transfer proceeds without a summary).
type Generator interface {
	GenerateCallSummary(ctx context.Context, in CallContext) (string, error)
	GenerateTransferContext(ctx context.Context, summary, reason string, agentSkills []string) (string, error)
}

// ErrTimeout marks a summary attempt that ran out of its deadline.
var ErrTimeout = errors.New("summary: generation timed out")

// CallContext carries everything a generator may use about the call.
type CallContext struct {
	Transcript      string
	CallerName      string
	CallerPhone     string
	CallReason      string
	DurationSeconds int
}

// BuildPrompt renders the structured summarization prompt.
func BuildPrompt(in CallContext) string {
	var b strings.Builder

	b.WriteString("You are an expert call center analyst. Analyze the following customer ")
	b.WriteString("service call transcript and provide a comprehensive summary that would be ")
	b.WriteString("useful for a warm transfer to another agent.\n\n")

	if in.CallerName != "" || in.CallerPhone != "" || in.CallReason != "" {
		b.WriteString("Caller Information:\n")
		fmt.Fprintf(&b, "- Name: %s\n", orDefault(in.CallerName, "Unknown"))
		fmt.Fprintf(&b, "- Phone: %s\n", orDefault(in.CallerPhone, "Not provided"))
		fmt.Fprintf(&b, "- Reason for call: %s\n\n", orDefault(in.CallReason, "Not specified"))
	}
	if in.DurationSeconds > 0 {
		fmt.Fprintf(&b, "Call duration: %d minutes %d seconds\n\n", in.DurationSeconds/60, in.DurationSeconds%60)
	}

	b.WriteString("CALL TRANSCRIPT:\n")
	b.WriteString(in.Transcript)
	b.WriteString("\n\nProvide a structured summary in the following format:\n\n")
	b.WriteString("**CALL SUMMARY**\n")
	b.WriteString("- Customer Name: [Extract or use provided]\n")
	b.WriteString("- Issue Category: [Categorize the main issue]\n")
	b.WriteString("- Key Points: [3-5 bullet points of main discussion points]\n")
	b.WriteString("- Customer Sentiment: [Professional assessment]\n")
	b.WriteString("- Actions Taken: [What has been done so far]\n")
	b.WriteString("- Outstanding Items: [What still needs to be resolved]\n")
	b.WriteString("- Recommended Next Steps: [Suggestions for the receiving agent]\n")
	b.WriteString("- Priority Level: [Low/Medium/High based on urgency]\n\n")
	b.WriteString("Keep the summary concise but comprehensive, focusing on information that ")
	b.WriteString("would help the next agent continue the conversation seamlessly.")

	return b.String()
}

// Fallback is the deterministic summary used when no generator output is available.
func Fallback(in CallContext) string {
	name := orDefault(in.CallerName, "Customer")
	reason := orDefault(in.CallReason, "General inquiry")
	return fmt.Sprintf("Call transfer for %s. Duration: %d minutes. Reason: %s.",
		name, in.DurationSeconds/60, reason)
}

// Static is a Generator that never calls out; it returns the fallback summary
// and a short canned transfer intro. Used when LLM_PROVIDER=static and in tests.
type Static struct{}

func (Static) GenerateCallSummary(_ context.Context, in CallContext) (string, error) {
	return Fallback(in), nil
}

func (Static) GenerateTransferContext(_ context.Context, summary, reason string, _ []string) (string, error) {
	if reason == "" {
		reason = "Specialized assistance required"
	}
	return fmt.Sprintf("Warm transfer: %s Context: %s", reason, summary), nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
