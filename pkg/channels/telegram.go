package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/delivery"
	"github.com/icified/icebot/pkg/logger"
	"github.com/icified/icebot/pkg/utils"
)

// TelegramChannel sends replies through the Telegram Bot API and
// fetches user-uploaded files for the icify flow.
type TelegramChannel struct {
	bot *telego.Bot
}

func NewTelegramChannel(token string) (*TelegramChannel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramChannel{bot: bot}, nil
}

func (c *TelegramChannel) Name() string {
	return "telegram"
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	logger.InfoCF("telegram", "Telegram channel ready", map[string]interface{}{
		"username": me.Username,
	})
	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Telegram channel stopped")
	return nil
}

func (c *TelegramChannel) Send(ctx context.Context, chatIDStr string, msg bus.OutboundMessage) delivery.Result {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		logger.ErrorCF("telegram", "Invalid chat id", map[string]interface{}{
			"chat_id": chatIDStr,
		})
		return delivery.PermanentFailure
	}

	if len(msg.Media) > 0 {
		return c.sendMediaFiles(ctx, chatID, msg.Body, msg.Media)
	}

	htmlContent := markdownToTelegramHTML(msg.Body)

	// Telegram caps message length; oversized bodies go out in chunks.
	const telegramMaxLen = 4096
	chunks := splitLargeMessage(htmlContent, telegramMaxLen)

	for i, chunk := range chunks {
		chunkContent := chunk
		if len(chunks) > 1 {
			chunkContent = fmt.Sprintf("[%d/%d]\n%s", i+1, len(chunks), chunk)
		}

		tgMsg := tu.Message(tu.ID(chatID), chunkContent)
		tgMsg.ParseMode = telego.ModeHTML

		if _, err := c.bot.SendMessage(ctx, tgMsg); err != nil {
			logger.WarnCF("telegram", "HTML parse failed, falling back to plain text", map[string]interface{}{
				"chunk": i + 1,
				"error": err.Error(),
			})
			tgMsg.ParseMode = ""
			if _, err := c.bot.SendMessage(ctx, tgMsg); err != nil {
				return classifyTelegramError(err)
			}
		}
	}
	return delivery.Delivered
}

func (c *TelegramChannel) sendMediaFiles(ctx context.Context, chatID int64, caption string, files []string) delivery.Result {
	for i, filePath := range files {
		f, err := os.Open(filePath)
		if err != nil {
			logger.ErrorCF("telegram", "Failed to open file for sending", map[string]interface{}{
				"path":  filePath,
				"error": err.Error(),
			})
			return delivery.PermanentFailure
		}

		fileCaption := ""
		if i == 0 {
			fileCaption = caption
		}

		if utils.IsImageFile(filePath) {
			params := tu.Photo(tu.ID(chatID), tu.File(f))
			params.Caption = fileCaption
			_, err = c.bot.SendPhoto(ctx, params)
		} else {
			params := tu.Document(tu.ID(chatID), tu.File(f))
			params.Caption = fileCaption
			_, err = c.bot.SendDocument(ctx, params)
		}
		f.Close()

		if err != nil {
			logger.ErrorCF("telegram", "Failed to send file", map[string]interface{}{
				"path":  filePath,
				"error": err.Error(),
			})
			return classifyTelegramError(err)
		}
	}
	return delivery.Delivered
}

// DownloadFileByID fetches a Telegram-hosted file to a local temp path.
// Returns empty string on failure.
func (c *TelegramChannel) DownloadFileByID(ctx context.Context, fileID string) string {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		logger.ErrorCF("telegram", "Failed to get file", map[string]interface{}{
			"file_id": fileID,
			"error":   err.Error(),
		})
		return ""
	}
	if file.FilePath == "" {
		return ""
	}

	filename := filepath.Base(file.FilePath)
	if filepath.Ext(filename) == "" {
		filename += ".jpg"
	}
	return utils.DownloadFile(c.bot.FileDownloadURL(file.FilePath), filename, utils.DownloadOptions{
		LoggerPrefix: "telegram",
	})
}

// AnswerCallback acks a callback query so the client stops its spinner.
func (c *TelegramChannel) AnswerCallback(ctx context.Context, queryID string) {
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: queryID})
	if err != nil {
		logger.DebugCF("telegram", "Failed to answer callback query", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func classifyTelegramError(err error) delivery.Result {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode == http.StatusTooManyRequests || apiErr.ErrorCode >= 500 {
			return delivery.TransientFailure
		}
		return delivery.PermanentFailure
	}
	// Network-level failure, worth retrying.
	return delivery.TransientFailure
}

// splitLargeMessage splits a message into chunks if it exceeds the limit.
func splitLargeMessage(content string, maxLen int) []string {
	if len(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	remaining := content

	for len(remaining) > 0 {
		chunkSize := maxLen
		if len(remaining) < chunkSize {
			chunkSize = len(remaining)
		}

		// Prefer breaking at a newline near the limit
		if chunkSize == maxLen {
			lastNewline := strings.LastIndex(remaining[:chunkSize], "\n")
			if lastNewline > maxLen*2/3 {
				chunkSize = lastNewline + 1
			}
		}

		chunks = append(chunks, remaining[:chunkSize])
		remaining = remaining[chunkSize:]
	}

	return chunks
}

func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	codeBlocks := extractCodeBlocks(text)
	text = codeBlocks.text

	inlineCodes := extractInlineCodes(text)
	text = inlineCodes.text

	text = regexp.MustCompile(`^#{1,6}\s+(.+)$`).ReplaceAllString(text, "$1")

	text = escapeHTML(text)

	text = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`).ReplaceAllString(text, `<a href="$2">$1</a>`)

	text = regexp.MustCompile(`\*\*(.+?)\*\*`).ReplaceAllString(text, "<b>$1</b>")

	text = regexp.MustCompile(`__(.+?)__`).ReplaceAllString(text, "<b>$1</b>")

	text = regexp.MustCompile(`~~(.+?)~~`).ReplaceAllString(text, "<s>$1</s>")

	text = regexp.MustCompile(`^[-*]\s+`).ReplaceAllString(text, "• ")

	for i, code := range inlineCodes.codes {
		escaped := escapeHTML(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00IC%d\x00", i), fmt.Sprintf("<code>%s</code>", escaped))
	}

	for i, code := range codeBlocks.codes {
		escaped := escapeHTML(code)
		text = strings.ReplaceAll(text, fmt.Sprintf("\x00CB%d\x00", i), fmt.Sprintf("<pre><code>%s</code></pre>", escaped))
	}

	return text
}

type codeMatch struct {
	text  string
	codes []string
}

func extractCodeBlocks(text string) codeMatch {
	re := regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	matches := re.FindAllStringSubmatch(text, -1)

	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}

	i := 0
	text = re.ReplaceAllStringFunc(text, func(m string) string {
		placeholder := fmt.Sprintf("\x00CB%d\x00", i)
		i++
		return placeholder
	})

	return codeMatch{text: text, codes: codes}
}

func extractInlineCodes(text string) codeMatch {
	re := regexp.MustCompile("`([^`]+)`")
	matches := re.FindAllStringSubmatch(text, -1)

	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}

	i := 0
	text = re.ReplaceAllStringFunc(text, func(m string) string {
		placeholder := fmt.Sprintf("\x00IC%d\x00", i)
		i++
		return placeholder
	})

	return codeMatch{text: text, codes: codes}
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}
