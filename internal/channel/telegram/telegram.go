// Package telegram implements the Telegram Channel: long-polling update
// ingestion, media-group (album) debounce, content-addressed photo download
// dedup, and message-splitting outbound send.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"log/slog"

	"agenthost/internal/channel"
	"agenthost/internal/model"
	"agenthost/internal/util"
)

// Config is the per-channel configuration block for a Telegram channel.
type Config struct {
	Token             string `yaml:"token" json:"token"`
	MessageLimit      int    `yaml:"messageLimit" json:"messageLimit"`
	DownloadTimeoutMs int    `yaml:"downloadTimeoutMs" json:"downloadTimeoutMs"`
	AttachmentsDir    string `yaml:"attachmentsDir" json:"attachmentsDir"`
}

func (c Config) withDefaults() Config {
	if c.MessageLimit <= 0 {
		c.MessageLimit = 4000
	}
	if c.DownloadTimeoutMs <= 0 {
		c.DownloadTimeoutMs = 30000
	}
	if c.AttachmentsDir == "" {
		c.AttachmentsDir = "data/attachments"
	}
	return c
}

// mediaGroupBuffer aggregates messages sharing a MediaGroupID (album) into
// one NormalizedMessage, debounced by a short timer so the whole album
// arrives before dispatch.
type mediaGroupBuffer struct {
	senderID       string
	senderName     string
	conversationID string
	content        string
	photoIDs       []string
	timer          *time.Timer
}

// Channel is the Telegram implementation of channel.Channel.
type Channel struct {
	id  string
	cfg Config

	bot        *tgbotapi.BotAPI
	httpClient *http.Client

	mu          sync.Mutex
	mediaGroups map[string]*mediaGroupBuffer

	stopCtx    context.Context
	stopCancel context.CancelFunc

	statusMu sync.Mutex
	status   model.ChannelInfo
}

// New constructs an unconnected Telegram channel. Connect performs the bot
// authentication and starts the long-poll loop.
func New(id string, cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		id:          id,
		cfg:         cfg,
		mediaGroups: map[string]*mediaGroupBuffer{},
		httpClient:  &http.Client{Timeout: time.Duration(cfg.DownloadTimeoutMs) * time.Millisecond},
		status:      model.ChannelInfo{ID: id, Type: "telegram", Status: channel.StatusDisconnected},
	}
}

func (c *Channel) ID() string   { return c.id }
func (c *Channel) Type() string { return "telegram" }

func (c *Channel) setStatus(status, errMsg string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status.Status = status
	c.status.Error = errMsg
}

func (c *Channel) GetStatus() model.ChannelInfo {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// Connect authenticates against the Telegram Bot API and starts the
// long-polling update loop in a background goroutine. A failure here is
// recorded via GetStatus rather than returned loudly to the caller's
// caller — the Channel Manager's ConnectAll must not abort on it.
func (c *Channel) Connect(ctx context.Context, handler channel.Handler) error {
	c.setStatus(channel.StatusConnecting, "")

	stopCtx, cancel := context.WithCancel(context.Background())
	c.stopCtx = stopCtx
	c.stopCancel = cancel

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	botHTTPClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
				merged, mergedCancel := context.WithCancel(dialCtx)
				go func() {
					select {
					case <-stopCtx.Done():
						mergedCancel()
					case <-merged.Done():
					}
				}()
				return dialer.DialContext(merged, network, addr)
			},
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(c.cfg.Token, tgbotapi.APIEndpoint, botHTTPClient)
	if err != nil {
		cancel()
		c.setStatus(channel.StatusError, err.Error())
		return fmt.Errorf("telegram: authenticate: %w", err)
	}
	c.bot = bot
	slog.Info("telegram: bot authorized", "channel", c.id, "username", bot.Self.UserName)

	c.setStatus(channel.StatusConnected, "")
	go c.pollLoop(handler)
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	if c.stopCancel != nil {
		c.stopCancel()
	}
	if c.bot != nil {
		if httpClient, ok := c.bot.Client.(*http.Client); ok && httpClient != nil {
			if transport, ok := httpClient.Transport.(*http.Transport); ok {
				transport.CloseIdleConnections()
			}
		}
	}
	c.setStatus(channel.StatusDisconnected, "")
	return nil
}

func (c *Channel) pollLoop(handler channel.Handler) {
	offset := 0
	for {
		select {
		case <-c.stopCtx.Done():
			return
		default:
		}

		reqConfig := tgbotapi.NewUpdate(offset)
		reqConfig.Timeout = 60

		updates, err := c.bot.GetUpdates(reqConfig)
		if err != nil {
			select {
			case <-c.stopCtx.Done():
				return
			default:
				slog.Debug("telegram: get updates failed", "channel", c.id, "error", err)
				time.Sleep(3 * time.Second)
				continue
			}
		}

		for _, update := range updates {
			if update.UpdateID < offset {
				continue
			}
			offset = update.UpdateID + 1
			if update.Message == nil {
				continue
			}
			c.handleUpdate(handler, update)
		}
	}
}

func (c *Channel) handleUpdate(handler channel.Handler, update tgbotapi.Update) {
	msg := update.Message
	conversationID := strconv.FormatInt(msg.Chat.ID, 10)
	senderID := strconv.FormatInt(msg.From.ID, 10)

	var photoID string
	if len(msg.Photo) > 0 {
		photoID = msg.Photo[len(msg.Photo)-1].FileID
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	if msg.MediaGroupID != "" {
		c.handleMediaGroup(handler, msg.MediaGroupID, senderID, msg.From.UserName, conversationID, content, photoID)
		return
	}

	if photoID != "" {
		go func() {
			var attachments []model.Attachment
			if att, err := c.downloadPhoto(photoID); err == nil {
				attachments = append(attachments, *att)
			} else {
				slog.Error("telegram: photo download failed", "channel", c.id, "error", err)
			}
			c.dispatch(handler, senderID, msg.From.UserName, conversationID, content, strconv.Itoa(msg.MessageID), attachments)
		}()
		return
	}

	c.dispatch(handler, senderID, msg.From.UserName, conversationID, content, strconv.Itoa(msg.MessageID), nil)
}

func (c *Channel) dispatch(handler channel.Handler, senderID, senderName, conversationID, text, platformMessageID string, attachments []model.Attachment) {
	normalized := model.NormalizedMessage{
		ChannelID:         c.id,
		ConversationID:    conversationID,
		SenderID:          senderID,
		SenderName:        senderName,
		Text:              text,
		Timestamp:         time.Now().UnixMilli(),
		PlatformMessageID: platformMessageID,
		Attachments:       attachments,
	}
	if err := handler(c.stopCtx, normalized); err != nil {
		slog.Error("telegram: handler error", "channel", c.id, "error", err)
	}
}

func (c *Channel) handleMediaGroup(handler channel.Handler, groupID, senderID, senderName, conversationID, text, photoID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.mediaGroups[groupID]
	if !ok {
		buf = &mediaGroupBuffer{senderID: senderID, senderName: senderName, conversationID: conversationID, content: text}
		if photoID != "" {
			buf.photoIDs = append(buf.photoIDs, photoID)
		}
		c.mediaGroups[groupID] = buf
		buf.timer = time.AfterFunc(time.Second, func() { c.flushMediaGroup(handler, groupID) })
		return
	}

	if text != "" {
		if buf.content != "" {
			buf.content += "\n" + text
		} else {
			buf.content = text
		}
	}
	if photoID != "" {
		buf.photoIDs = append(buf.photoIDs, photoID)
	}
	buf.timer.Reset(time.Second)
}

func (c *Channel) flushMediaGroup(handler channel.Handler, groupID string) {
	c.mu.Lock()
	buf, ok := c.mediaGroups[groupID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.mediaGroups, groupID)
	c.mu.Unlock()

	var wg sync.WaitGroup
	attachments := make([]model.Attachment, len(buf.photoIDs))
	for i, pid := range buf.photoIDs {
		wg.Add(1)
		go func(index int, id string) {
			defer wg.Done()
			if att, err := c.downloadPhoto(id); err == nil {
				attachments[index] = *att
			} else {
				slog.Error("telegram: media group photo download failed", "channel", c.id, "error", err)
			}
		}(i, pid)
	}
	wg.Wait()

	var ok2 []model.Attachment
	for _, a := range attachments {
		if a.MimeType != "" {
			ok2 = append(ok2, a)
		}
	}

	c.dispatch(handler, buf.senderID, buf.senderName, buf.conversationID, buf.content, "", ok2)
}

// downloadPhoto fetches a file by FileID, streaming to disk, and skips the
// download entirely if a file for that FileID is already present (FileIDs
// are content-addressed by Telegram).
func (c *Channel) downloadPhoto(fileID string) (*model.Attachment, error) {
	fileInfo, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}

	if err := os.MkdirAll(c.cfg.AttachmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}

	basePattern := filepath.Join(c.cfg.AttachmentsDir, "tg_"+fileID)
	if matches, _ := filepath.Glob(basePattern + "*"); len(matches) > 0 {
		localPath := matches[0]
		mimeType, _ := util.DetectFileMimeAndExt(localPath)
		return &model.Attachment{MimeType: mimeType, URL: localPath, Name: filepath.Base(fileInfo.FilePath)}, nil
	}

	fileURL := fileInfo.Link(c.cfg.Token)
	resp, err := c.httpClient.Get(fileURL)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}

	ext := filepath.Ext(fileInfo.FilePath)
	localPath := basePattern + ext
	outFile, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("create local file: %w", err)
	}
	defer outFile.Close()
	if _, err := io.Copy(outFile, resp.Body); err != nil {
		return nil, fmt.Errorf("write local file: %w", err)
	}

	mimeType, detectedExt := util.DetectFileMimeAndExt(localPath)
	if ext == "" {
		newPath := basePattern + detectedExt
		if err := os.Rename(localPath, newPath); err == nil {
			localPath = newPath
		}
	}
	return &model.Attachment{MimeType: mimeType, URL: localPath, Name: filepath.Base(fileInfo.FilePath)}, nil
}

// SendMessage delivers text to the Telegram chat identified by
// conversationID, splitting it across multiple messages if it exceeds the
// configured per-message character limit.
func (c *Channel) SendMessage(ctx context.Context, conversationID string, outgoing model.OutgoingMessage) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", conversationID, err)
	}

	runes := []rune(outgoing.Text)
	if len(runes) <= c.cfg.MessageLimit {
		msg := tgbotapi.NewMessage(chatID, outgoing.Text)
		if replyID, err := strconv.Atoi(outgoing.ReplyToMessageID); err == nil && replyID > 0 {
			msg.ReplyToMessageID = replyID
		}
		_, err := c.bot.Send(msg)
		return err
	}

	for i := 0; i < len(runes); i += c.cfg.MessageLimit {
		end := i + c.cfg.MessageLimit
		if end > len(runes) {
			end = len(runes)
		}
		msg := tgbotapi.NewMessage(chatID, string(runes[i:end]))
		if _, err := c.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram: send chunk at %d: %w", i, err)
		}
	}
	return nil
}

func (c *Channel) SendTypingIndicator(ctx context.Context, conversationID string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", conversationID, err)
	}
	_, err = c.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}
