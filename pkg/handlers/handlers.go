package handlers

import (
	"context"
	"errors"

	"github.com/icified/icebot/pkg/attachments"
	"github.com/icified/icebot/pkg/bus"
	"github.com/icified/icebot/pkg/icify"
	"github.com/icified/icebot/pkg/logger"
	"github.com/icified/icebot/pkg/router"
	"github.com/icified/icebot/pkg/utils"
)

const welcomeText = `🔥 Welcome to the ICIFIED Bot! 💎

Transform any photo into a luxurious masterpiece with:
• Diamond-encrusted watches ⌚💎
• Shiny diamond grillz 😁✨
• Maintains original style and lighting

Simply send me a photo and I'll ice it out for you!

Commands:
/help - Show this help message
/start - Start the bot

Just send a photo to get started! 📸`

const helpText = `🆘 ICIFIED Bot Help 💎

How to use:
1. Send me any photo
2. Wait for processing (30-60 seconds)
3. Receive your icified masterpiece!

Tips for best results:
• Use clear, well-lit photos
• Face should be visible for grillz
• Arms/hands visible for watch placement
• Higher resolution = better results

Send a photo to try it out! 🔥`

const sendPhotoPrompt = "📸 Send me a photo to ice out!\n\n" +
	"I'll add diamond grillz and a luxury watch while maintaining " +
	"the original style and lighting. 💎🔥"

const icifyFailureText = "❌ Sorry, something went wrong processing your image. Please try again!"

// FileFetcher resolves a provider file reference to a local path.
type FileFetcher interface {
	DownloadFileByID(ctx context.Context, fileID string) string
}

// Deps carries the collaborators the built-in handlers need.
type Deps struct {
	Attachments *attachments.Store
	Icify       *icify.Client
	Files       map[string]FileFetcher // keyed by event source
}

// Register binds the built-in commands into the routing table.
func Register(table *router.Table, deps Deps) error {
	regs := []struct {
		pattern string
		handler bus.Handler
	}{
		{"/start", Start},
		{"/help", Help},
		{"/ping", Ping},
		{"/callback", Callback},
		{"/icify", Icify(deps)},
	}
	for _, reg := range regs {
		if err := table.Register(reg.pattern, reg.handler); err != nil {
			return err
		}
	}
	return nil
}

func Start(ctx context.Context, cmd bus.Command) ([]bus.OutboundMessage, error) {
	return bus.Reply(cmd, welcomeText), nil
}

func Help(ctx context.Context, cmd bus.Command) ([]bus.OutboundMessage, error) {
	return bus.Reply(cmd, helpText), nil
}

func Ping(ctx context.Context, cmd bus.Command) ([]bus.OutboundMessage, error) {
	return bus.Reply(cmd, "pong"), nil
}

// Callback handles inline-keyboard callback data.
func Callback(ctx context.Context, cmd bus.Command) ([]bus.OutboundMessage, error) {
	if len(cmd.Args) > 0 && cmd.Args[0] == "send_photo" {
		return bus.Reply(cmd, sendPhotoPrompt), nil
	}
	return nil, nil
}

// Icify builds the photo-processing handler: fetch the photo, run it
// through the image model, reply with the generated result. Processing
// failures answer the user apologetically instead of erroring out.
func Icify(deps Deps) bus.Handler {
	return func(ctx context.Context, cmd bus.Command) ([]bus.OutboundMessage, error) {
		if deps.Icify == nil {
			return bus.Reply(cmd, "❄️ Icifying is not configured on this deployment."), nil
		}
		if len(cmd.Args) == 0 {
			return bus.Reply(cmd, "Send a photo and I'll ice it out! 📸"), nil
		}

		fetcher, ok := deps.Files[cmd.Event.Source]
		if !ok {
			logger.WarnCF("handlers", "No file fetcher for source", map[string]interface{}{
				"source": cmd.Event.Source,
			})
			return bus.Reply(cmd, icifyFailureText), nil
		}

		fileID := cmd.Args[0]
		localPath := fetcher.DownloadFileByID(ctx, fileID)
		if localPath == "" {
			return bus.Reply(cmd, icifyFailureText), nil
		}

		if deps.Attachments != nil {
			if _, err := deps.Attachments.SaveFromLocalFile(
				cmd.Event.Source, cmd.Event.ConversationID,
				"photo_"+utils.SanitizeFilename(fileID)+".jpg",
				utils.DetectImageMimeType(localPath), "photo", localPath,
			); err != nil {
				logger.WarnCF("handlers", "Failed to persist source photo", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}

		resultURL, err := deps.Icify.Icify(ctx, localPath)
		if err != nil {
			logger.ErrorCF("handlers", "Icify generation failed", map[string]interface{}{
				"event_id": cmd.Event.ID,
				"error":    err.Error(),
			})
			if errors.Is(err, icify.ErrGenerationFailed) {
				return bus.Reply(cmd, icifyFailureText), nil
			}
			return nil, err
		}

		resultPath := utils.DownloadFile(resultURL, "icified.png", utils.DownloadOptions{
			LoggerPrefix: "handlers",
		})
		if resultPath == "" {
			return bus.Reply(cmd, icifyFailureText), nil
		}

		if deps.Attachments != nil {
			if _, err := deps.Attachments.SaveFromLocalFile(
				cmd.Event.Source, cmd.Event.ConversationID,
				"icified_"+utils.SanitizeFilename(fileID)+".png",
				utils.DetectImageMimeType(resultPath), "result", resultPath,
			); err != nil {
				logger.WarnCF("handlers", "Failed to persist result image", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}

		return []bus.OutboundMessage{{
			ConversationID: cmd.Event.ConversationID,
			Body:           "🔥 Your photo has been ICIFIED! 💎✨\n\nShare your iced out masterpiece! 🎯",
			Media:          []string{resultPath},
		}}, nil
	}
}
