package notifier

import "zkpredator/internal/logger"

// TextNotifier 是最小的文本通知接口，决策闸门只依赖它。
type TextNotifier interface {
	SendText(text string) error
}

// LogNotifier 把通知写入日志，Telegram 未启用时使用。
type LogNotifier struct{}

func (LogNotifier) SendText(text string) error {
	logger.InfoBlock(text)
	return nil
}

// Multi 依次投递给所有通知器，返回第一个错误。
type Multi []TextNotifier

func (m Multi) SendText(text string) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.SendText(text); err != nil && first == nil {
			first = err
		}
	}
	return first
}
