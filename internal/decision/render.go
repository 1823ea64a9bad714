package decision

import (
	"fmt"

	"zkpredator/internal/gateway/notifier"
)

// RenderProposal 生成提案通知文本。
func RenderProposal(o Outcome) string {
	msg := notifier.StructuredMessage{
		Icon:      "🔒",
		Title:     "ZERO-KNOWLEDGE EXECUTION DETECTED",
		Timestamp: o.FinishedAt,
	}
	summary := notifier.MessageSection{
		Title: "Round",
		Lines: []string{
			"Subject: " + o.Subject,
			fmt.Sprintf("Preliminary: %.2f", o.PreliminaryConfidence),
			fmt.Sprintf("Consensus Score: %.0f%%", o.WeightedScore*100),
		},
	}
	msg.Sections = append(msg.Sections, summary)
	if o.Consensus != nil {
		sec := notifier.MessageSection{Title: "Analysts"}
		for _, r := range o.Consensus.Outcomes {
			line := fmt.Sprintf("%s %.2f x %.2f", r.Resource, r.Score, r.Weight)
			if r.Degraded {
				line += " (degraded)"
			}
			sec.Lines = append(sec.Lines, line)
		}
		msg.Sections = append(msg.Sections, sec)
	}
	if o.Sealed != nil {
		msg.Sections = append(msg.Sections, notifier.MessageSection{
			Title: "Strategy: ENCRYPTED",
			Lines: []string{
				"TxID: " + o.Sealed.ReferenceID,
				"Condition: " + o.Sealed.Condition,
			},
		})
	}
	msg.Footer = "Waiting for network decryption..."
	return msg.RenderMarkdown()
}
