package bot

import (
	"context"
	"sort"
	"sync"

	"github.com/airylvat/mathletics-bot/db"
	"github.com/airylvat/mathletics-bot/engine"
)

// Competition is the single running competition and its Discord wiring.
// The engine only sees team ids; the channel association lives here.
type Competition struct {
	Name   string
	Path   string
	Ledger *db.DB
	Engine *engine.Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	active       bool
	modChannelID string
	resChannelID string
	teamByChan   map[string]int
	chanByTeam   map[int]string
	boardChanID  string
	boardMsgID   string
}

func NewCompetition(parent context.Context, name, path string, ledger *db.DB, session *engine.Session, modChannelID, resChannelID string) *Competition {
	ctx, cancel := context.WithCancel(parent)
	return &Competition{
		ctx:          ctx,
		cancel:       cancel,
		Name:         name,
		Path:         path,
		Ledger:       ledger,
		Engine:       session,
		modChannelID: modChannelID,
		resChannelID: resChannelID,
		teamByChan:   make(map[string]int),
		chanByTeam:   make(map[int]string),
	}
}

func (c *Competition) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Competition) SetActive(active bool) {
	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
}

func (c *Competition) ModChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modChannelID
}

func (c *Competition) ResChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resChannelID
}

func (c *Competition) SetModChannel(channelID string) {
	c.mu.Lock()
	c.modChannelID = channelID
	c.mu.Unlock()
}

func (c *Competition) SetResChannel(channelID string) {
	c.mu.Lock()
	c.resChannelID = channelID
	c.mu.Unlock()
}

// Bind makes channelID the submission channel of teamID, dropping any
// previous binding of either side.
func (c *Competition) Bind(channelID string, teamID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.teamByChan[channelID]; ok {
		delete(c.chanByTeam, old)
	}
	if old, ok := c.chanByTeam[teamID]; ok {
		delete(c.teamByChan, old)
	}
	c.teamByChan[channelID] = teamID
	c.chanByTeam[teamID] = channelID
}

// Unbind removes a channel binding and reports whether one existed.
func (c *Competition) Unbind(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	teamID, ok := c.teamByChan[channelID]
	if !ok {
		return false
	}
	delete(c.teamByChan, channelID)
	delete(c.chanByTeam, teamID)
	return true
}

func (c *Competition) TeamFor(channelID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	teamID, ok := c.teamByChan[channelID]
	return teamID, ok
}

func (c *Competition) ChannelFor(teamID int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	channelID, ok := c.chanByTeam[teamID]
	return channelID, ok
}

type Binding struct {
	ChannelID string
	TeamID    int
}

// Bindings returns the competitor channels ordered by team id.
func (c *Competition) Bindings() []Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Binding, 0, len(c.chanByTeam))
	for teamID, channelID := range c.chanByTeam {
		out = append(out, Binding{ChannelID: channelID, TeamID: teamID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out
}

// Go runs a conversation bound to the competition's lifetime. It reports
// false without running fn once the competition is closing.
func (c *Competition) Go(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

// Close stops running conversations and closes the ledger. The database
// file stays on disk as the archive.
func (c *Competition) Close() error {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
	return c.Ledger.Close()
}

// swapBoardMessage records the latest leaderboard message and returns the
// one it replaces.
func (c *Competition) swapBoardMessage(channelID, messageID string) (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oldChan, oldMsg := c.boardChanID, c.boardMsgID
	c.boardChanID, c.boardMsgID = channelID, messageID
	return oldChan, oldMsg
}
