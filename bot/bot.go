package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/airylvat/mathletics-bot/config"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// chat is the part of the Discord REST API the bot talks through.
type chat interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

type Bot struct {
	Session *discordgo.Session

	chat     chat
	cfg      *config.Config
	log      *zap.Logger
	client   *http.Client
	inbox    *Inbox
	now      func() time.Time
	commands map[string]command

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	comp *Competition
}

func NewBot(cfg *config.Config, log *zap.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	bot := newBot(session, cfg, log)
	bot.Session = session
	bot.client = session.Client

	session.AddHandler(bot.handleMessage)
	return bot, nil
}

func newBot(c chat, cfg *config.Config, log *zap.Logger) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		chat:   c,
		cfg:    cfg,
		log:    log,
		client: http.DefaultClient,
		inbox:  NewInbox(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	b.commands = b.commandTable()
	return b
}

// Run connects to the gateway and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	user := b.Session.State.User
	b.log.Info("bot is running",
		zap.String("user", user.Username),
		zap.String("admin_id", b.cfg.AdminID),
		zap.String("admin_role_id", b.cfg.AdminRoleID),
		zap.String("prefix", b.cfg.CommandPrefix))

	<-ctx.Done()
	b.log.Info("shutting down")
	return b.Close()
}

// Close ends running conversations, the current competition and the
// gateway connection.
func (b *Bot) Close() error {
	b.cancel()

	b.mu.Lock()
	comp := b.comp
	b.comp = nil
	b.mu.Unlock()

	var errs []error
	if comp != nil {
		if err := comp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close competition %s: %w", comp.Name, err))
		}
	}
	b.wg.Wait()
	if b.Session != nil {
		if err := b.Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close discord session: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) competition() *Competition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.comp
}

func (b *Bot) isAdmin(m *discordgo.Message) bool {
	if m.Author.ID == b.cfg.AdminID {
		return true
	}
	if b.cfg.AdminRoleID == "" {
		return false
	}
	if m.Member != nil && hasRole(m.Member.Roles, b.cfg.AdminRoleID) {
		return true
	}

	member, err := b.chat.GuildMember(m.GuildID, m.Author.ID)
	if err != nil {
		b.log.Warn("fetch member roles", zap.String("user_id", m.Author.ID), zap.Error(err))
		return false
	}
	return hasRole(member.Roles, b.cfg.AdminRoleID)
}

func hasRole(roles []string, roleID string) bool {
	for _, id := range roles {
		if id == roleID {
			return true
		}
	}
	return false
}

func (b *Bot) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID {
		return
	}
	b.dispatch(m.Message)
}

// dispatch relays competitor messages, feeds any waiting conversation and
// then runs the message as a command if it carries the prefix.
func (b *Bot) dispatch(m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	b.relay(m)
	b.inbox.Deliver(m)

	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(content, b.cfg.CommandPrefix) {
		return
	}
	fields := strings.Fields(strings.TrimPrefix(content, b.cfg.CommandPrefix))
	if len(fields) == 0 {
		return
	}
	cmd, ok := b.commands[strings.ToLower(fields[0])]
	if !ok {
		return
	}
	if cmd.admin && !b.isAdmin(m) {
		b.send(m.ChannelID, "You do not have permission to use this command.")
		return
	}
	b.log.Debug("command",
		zap.String("command", fields[0]),
		zap.String("user", m.Author.Username),
		zap.String("channel_id", m.ChannelID))
	cmd.run(m, fields[1:])
}

// relay mirrors messages from competitor channels to the moderation
// channel while the competition runs.
func (b *Bot) relay(m *discordgo.Message) {
	comp := b.competition()
	if comp == nil || !comp.Active() {
		return
	}
	if _, ok := comp.TeamFor(m.ChannelID); !ok {
		return
	}
	b.send(comp.ModChannel(), m.Author.Username+": "+m.Content)
}

// goAsync runs a conversation that is not tied to a competition.
func (b *Bot) goAsync(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

func (b *Bot) send(channelID, content string) {
	if _, err := b.chat.ChannelMessageSend(channelID, content); err != nil {
		b.log.Error("send message", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func (b *Bot) sendEmbed(channelID string, embed *discordgo.MessageEmbed) *discordgo.Message {
	msg, err := b.chat.ChannelMessageSendEmbed(channelID, embed)
	if err != nil {
		b.log.Error("send embed", zap.String("channel_id", channelID), zap.String("title", embed.Title), zap.Error(err))
		return nil
	}
	return msg
}

func (b *Bot) reply(m *discordgo.Message, content string) {
	if _, err := b.chat.ChannelMessageSendReply(m.ChannelID, content, m.Reference()); err != nil {
		b.log.Error("send reply", zap.String("channel_id", m.ChannelID), zap.Error(err))
	}
}

// postLeaderboard replaces the leaderboard in the results channel.
func (b *Bot) postLeaderboard(ctx context.Context, comp *Competition) {
	snap, err := comp.Engine.Leaderboard(ctx)
	if err != nil {
		b.log.Error("compute leaderboard", zap.Error(err))
		return
	}
	channelID := comp.ResChannel()
	msg := b.sendEmbed(channelID, leaderboardEmbed(snap))
	if msg == nil {
		return
	}
	if oldChan, oldMsg := comp.swapBoardMessage(channelID, msg.ID); oldMsg != "" {
		if err := b.chat.ChannelMessageDelete(oldChan, oldMsg); err != nil {
			b.log.Warn("delete old leaderboard", zap.String("message_id", oldMsg), zap.Error(err))
		}
	}
}
