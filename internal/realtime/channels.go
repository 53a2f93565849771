package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"lifequest-live/internal/auth"
	"lifequest-live/internal/models"
)

// ChannelKind is derived from a channel name's prefix.
type ChannelKind string

const (
	ChannelPlayer      ChannelKind = "player"
	ChannelGeneration  ChannelKind = "generation"
	ChannelRank        ChannelKind = "rank"
	ChannelCompetition ChannelKind = "competition"
	ChannelCommunity   ChannelKind = "community"
	ChannelCustom      ChannelKind = "custom"
)

const (
	maxChannelLength       = 128
	defaultRetentionWindow = 24 * time.Hour
)

// ChannelRef is a parsed channel name.
type ChannelRef struct {
	ID   string
	Kind ChannelKind
	Key  string
}

// ParseChannel validates a channel name. Names with a reserved prefix must
// carry a non-empty key; anything else is a custom channel.
func ParseChannel(name string) (ChannelRef, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ChannelRef{}, errors.New("channelId is required")
	}
	if len(name) > maxChannelLength {
		return ChannelRef{}, fmt.Errorf("channelId exceeds %d characters", maxChannelLength)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return ChannelRef{}, errors.New("channelId may not contain whitespace")
	}
	prefix, key, found := strings.Cut(name, ":")
	if found {
		switch kind := ChannelKind(prefix); kind {
		case ChannelPlayer, ChannelGeneration, ChannelRank, ChannelCompetition, ChannelCommunity:
			if key == "" {
				return ChannelRef{}, fmt.Errorf("%s channel requires an id", kind)
			}
			return ChannelRef{ID: name, Kind: kind, Key: key}, nil
		}
	}
	return ChannelRef{ID: name, Kind: ChannelCustom, Key: name}, nil
}

// PlayerChannel names a player's personal channel.
func PlayerChannel(playerID string) string {
	return string(ChannelPlayer) + ":" + playerID
}

func GenerationChannel(generation string) string {
	return string(ChannelGeneration) + ":" + generation
}

func RankChannel(rank string) string {
	return string(ChannelRank) + ":" + rank
}

func CompetitionChannel(competitionID string) string {
	return string(ChannelCompetition) + ":" + competitionID
}

func CommunityChannel(communityID string) string {
	return string(ChannelCommunity) + ":" + communityID
}

// HomeChannels lists the channels a session joins at connect time.
func HomeChannels(identity auth.Identity) []string {
	channels := []string{PlayerChannel(identity.PlayerID)}
	if identity.Generation != "" {
		channels = append(channels, GenerationChannel(identity.Generation))
	}
	if identity.Rank != "" {
		channels = append(channels, RankChannel(identity.Rank))
	}
	return channels
}

// SubscriptionStore persists channel subscriptions.
type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub models.ChannelSubscription) error
	DeleteSubscription(ctx context.Context, playerID, channelID string) error
	ListStaleSubscriptions(ctx context.Context, cutoff time.Time) ([]models.ChannelSubscription, error)
	DeleteStaleSubscription(ctx context.Context, playerID, channelID string, cutoff time.Time) (bool, error)
}

// ChannelDataLoader produces the initial snapshot returned by Subscribe.
type ChannelDataLoader interface {
	ChannelData(ctx context.Context, session *Session, ref ChannelRef) (any, error)
}

// ChannelData is the result of a successful Subscribe.
type ChannelData struct {
	ChannelID string
	Kind      ChannelKind
	Data      any
}

// SweepResult summarises a subscription garbage collection pass.
type SweepResult struct {
	Scanned   int
	Refreshed int
	Deleted   int
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithRetention overrides how long a persisted subscription may go without a
// refresh before the sweep removes it.
func WithRetention(window time.Duration) DirectoryOption {
	return func(d *Directory) {
		if window > 0 {
			d.retention = window
		}
	}
}

// WithDirectoryLogger sets the directory logger.
func WithDirectoryLogger(logger *slog.Logger) DirectoryOption {
	return func(d *Directory) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDirectoryClock overrides the time source used for JoinedAt stamps.
func WithDirectoryClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// WithChannelData sets the loader producing Subscribe's initial snapshot.
func WithChannelData(loader ChannelDataLoader) DirectoryOption {
	return func(d *Directory) {
		d.loader = loader
	}
}

// WithMembershipHook registers fn to run, outside any lock, whenever a
// channel gains or loses a member.
func WithMembershipHook(fn func(ref ChannelRef)) DirectoryOption {
	return func(d *Directory) {
		d.onChange = fn
	}
}

// Directory tracks which sessions are joined to which channels and mirrors
// each player's membership into the subscription store.
type Directory struct {
	registry   *Registry
	store      SubscriptionStore
	authorizer Authorizer
	loader     ChannelDataLoader
	logger     *slog.Logger
	now        func() time.Time
	retention  time.Duration
	onChange   func(ref ChannelRef)

	mu       sync.RWMutex
	members  map[string]map[string]*Session
	sessions map[string]map[string]ChannelRef
}

// NewDirectory builds a Directory backed by registry for liveness checks.
func NewDirectory(registry *Registry, store SubscriptionStore, authorizer Authorizer, opts ...DirectoryOption) *Directory {
	d := &Directory{
		registry:   registry,
		store:      store,
		authorizer: authorizer,
		logger:     slog.Default(),
		now:        time.Now,
		retention:  defaultRetentionWindow,
		members:    make(map[string]map[string]*Session),
		sessions:   make(map[string]map[string]ChannelRef),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Subscribe authorizes session for channelID and joins it. kind is optional;
// when set it must match the channel's prefix. Authorization failures leave
// no membership and no persisted row behind.
func (d *Directory) Subscribe(ctx context.Context, session *Session, channelID string, kind string) (ChannelData, error) {
	const op = "subscribe"
	ref, err := ParseChannel(channelID)
	if err != nil {
		return ChannelData{}, newError(KindValidation, op, channelID, err.Error(), nil)
	}
	if kind = strings.TrimSpace(kind); kind != "" && ChannelKind(kind) != ref.Kind {
		return ChannelData{}, newError(KindValidation, op, ref.ID, fmt.Sprintf("kind %q does not match channel", kind), nil)
	}
	allowed, err := d.authorizer.CanSubscribe(ctx, session.Identity, ref)
	if err != nil {
		return ChannelData{}, newError(KindDependency, op, ref.ID, "authorization check failed", err)
	}
	if !allowed {
		return ChannelData{}, newError(KindAuthorization, op, ref.ID, "not authorized", nil)
	}
	if err := d.join(ctx, session, ref); err != nil {
		return ChannelData{}, err
	}

	result := ChannelData{ChannelID: ref.ID, Kind: ref.Kind}
	if d.loader != nil {
		data, err := d.loader.ChannelData(ctx, session, ref)
		if err != nil {
			d.logger.Warn("channel snapshot failed", "channel_id", ref.ID, "session_id", session.ID, "error", err)
		} else {
			result.Data = data
		}
	}
	return result, nil
}

// JoinHome joins session to its personal, generation and rank channels. The
// identity itself grants these, so no authorizer round trip is made.
func (d *Directory) JoinHome(ctx context.Context, session *Session) error {
	var errs []error
	for _, channelID := range HomeChannels(session.Identity) {
		ref, err := ParseChannel(channelID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.join(ctx, session, ref); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Directory) join(ctx context.Context, session *Session, ref ChannelRef) error {
	const op = "subscribe"
	if !d.registry.Contains(session.ID) {
		return newError(KindDelivery, op, ref.ID, "session closed", ErrSessionClosed)
	}

	d.mu.Lock()
	added := d.addLocked(session, ref)
	d.mu.Unlock()

	joinedAt := d.now().UTC()
	err := d.store.UpsertSubscription(ctx, models.ChannelSubscription{
		PlayerID:  session.PlayerID,
		ChannelID: ref.ID,
		SessionID: session.ID,
		JoinedAt:  joinedAt,
	})
	if err != nil {
		if added {
			d.mu.Lock()
			d.removeLocked(session.ID, ref.ID)
			d.mu.Unlock()
		}
		return newError(KindDependency, op, ref.ID, "failed to store subscription", err)
	}

	// The session may have disconnected while the row was written; undo the
	// membership its cleanup could not see.
	if !d.registry.Contains(session.ID) {
		d.leave(ctx, session, ref)
		return newError(KindDelivery, op, ref.ID, "session closed", ErrSessionClosed)
	}
	if added {
		d.changed(ref)
	}
	return nil
}

// Unsubscribe removes session from channelID. The persisted row is deleted
// once no other session of the same player remains on the channel. Leaving a
// channel the session never joined is not an error.
func (d *Directory) Unsubscribe(ctx context.Context, session *Session, channelID string) error {
	const op = "unsubscribe"
	ref, err := ParseChannel(channelID)
	if err != nil {
		return newError(KindValidation, op, channelID, err.Error(), nil)
	}
	if ref.Kind == ChannelPlayer && ref.Key == session.PlayerID {
		return newError(KindValidation, op, ref.ID, "personal channel cannot be left", nil)
	}
	if err := d.leave(ctx, session, ref); err != nil {
		return newError(KindDependency, op, ref.ID, "failed to remove subscription", err)
	}
	return nil
}

func (d *Directory) leave(ctx context.Context, session *Session, ref ChannelRef) error {
	d.mu.Lock()
	removed := d.removeLocked(session.ID, ref.ID)
	remaining := d.playerMemberLocked(ref.ID, session.PlayerID)
	d.mu.Unlock()
	if !removed {
		return nil
	}
	d.changed(ref)
	if remaining != nil {
		return nil
	}
	return d.deleteRow(ctx, session.PlayerID, ref.ID)
}

// RemoveSession drops every membership held by session. Store failures are
// logged; the sweep collects whatever rows they leave behind.
func (d *Directory) RemoveSession(ctx context.Context, session *Session) {
	d.mu.Lock()
	joined := d.sessions[session.ID]
	refs := make([]ChannelRef, 0, len(joined))
	orphaned := make(map[string]bool, len(joined))
	for channelID, ref := range joined {
		refs = append(refs, ref)
		d.removeLocked(session.ID, channelID)
		orphaned[channelID] = d.playerMemberLocked(channelID, session.PlayerID) == nil
	}
	d.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	for _, ref := range refs {
		d.changed(ref)
		if !orphaned[ref.ID] {
			continue
		}
		if err := d.deleteRow(ctx, session.PlayerID, ref.ID); err != nil {
			d.logger.Warn("failed to delete subscription", "channel_id", ref.ID, "player_id", session.PlayerID, "error", err)
		}
	}
}

// deleteRow removes the persisted row, then restores it if another session of
// the player joined the channel while the delete was in flight.
func (d *Directory) deleteRow(ctx context.Context, playerID, channelID string) error {
	if err := d.store.DeleteSubscription(ctx, playerID, channelID); err != nil {
		return err
	}
	d.mu.RLock()
	rejoined := d.playerMemberLocked(channelID, playerID)
	d.mu.RUnlock()
	if rejoined == nil {
		return nil
	}
	return d.store.UpsertSubscription(ctx, models.ChannelSubscription{
		PlayerID:  playerID,
		ChannelID: channelID,
		SessionID: rejoined.ID,
		JoinedAt:  d.now().UTC(),
	})
}

// MembersOf returns a snapshot of the sessions joined to channelID.
func (d *Directory) MembersOf(channelID string) []*Session {
	d.mu.RLock()
	members := make([]*Session, 0, len(d.members[channelID]))
	for _, session := range d.members[channelID] {
		members = append(members, session)
	}
	d.mu.RUnlock()
	sortSessions(members)
	return members
}

// OnlinePlayers counts the distinct players joined to channelID.
func (d *Directory) OnlinePlayers(channelID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	players := make(map[string]struct{}, len(d.members[channelID]))
	for _, session := range d.members[channelID] {
		players[session.PlayerID] = struct{}{}
	}
	return len(players)
}

// Sweep garbage collects persisted subscriptions whose JoinedAt is older than
// the retention window. Rows still backed by a live member are refreshed;
// the rest are deleted unless they were refreshed since being listed.
func (d *Directory) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	cutoff := now.Add(-d.retention)
	stale, err := d.store.ListStaleSubscriptions(ctx, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list stale subscriptions: %w", err)
	}
	result := SweepResult{Scanned: len(stale)}
	var errs []error
	for _, row := range stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		d.mu.RLock()
		live := d.playerMemberLocked(row.ChannelID, row.PlayerID)
		d.mu.RUnlock()

		if live != nil {
			refreshed := models.ChannelSubscription{
				PlayerID:  row.PlayerID,
				ChannelID: row.ChannelID,
				SessionID: live.ID,
				JoinedAt:  now.UTC(),
			}
			if err := d.store.UpsertSubscription(ctx, refreshed); err != nil {
				errs = append(errs, fmt.Errorf("refresh %s/%s: %w", row.PlayerID, row.ChannelID, err))
				continue
			}
			result.Refreshed++
			continue
		}
		deleted, err := d.store.DeleteStaleSubscription(ctx, row.PlayerID, row.ChannelID, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", row.PlayerID, row.ChannelID, err))
			continue
		}
		if deleted {
			result.Deleted++
		}
	}
	return result, errors.Join(errs...)
}

func (d *Directory) addLocked(session *Session, ref ChannelRef) bool {
	members := d.members[ref.ID]
	if members == nil {
		members = make(map[string]*Session)
		d.members[ref.ID] = members
	}
	if _, exists := members[session.ID]; exists {
		return false
	}
	members[session.ID] = session
	joined := d.sessions[session.ID]
	if joined == nil {
		joined = make(map[string]ChannelRef)
		d.sessions[session.ID] = joined
	}
	joined[ref.ID] = ref
	return true
}

func (d *Directory) removeLocked(sessionID, channelID string) bool {
	members := d.members[channelID]
	if _, exists := members[sessionID]; !exists {
		return false
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(d.members, channelID)
	}
	if joined := d.sessions[sessionID]; joined != nil {
		delete(joined, channelID)
		if len(joined) == 0 {
			delete(d.sessions, sessionID)
		}
	}
	return true
}

func (d *Directory) playerMemberLocked(channelID, playerID string) *Session {
	var found *Session
	for _, session := range d.members[channelID] {
		if session.PlayerID != playerID {
			continue
		}
		if found == nil || session.ConnectedAt.After(found.ConnectedAt) {
			found = session
		}
	}
	return found
}

func (d *Directory) changed(ref ChannelRef) {
	if d.onChange != nil {
		d.onChange(ref)
	}
}
