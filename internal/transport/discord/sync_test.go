package discord

import (
	"context"
	"testing"

	"castbot/internal/roster"
	"castbot/internal/runtime/loop"
	logx "castbot/pkg/logx"

	"github.com/bwmarrin/discordgo"
)

func TestRosterSyncTracksGuilds(t *testing.T) {
	s := newRosterSync()
	if !s.synced() {
		t.Fatal("no guilds should count as synced")
	}
	s.expect([]string{"g1", "g2"})
	s.done("g1")
	if s.synced() {
		t.Fatal("g2 still pending")
	}
	if got := s.waiting(); len(got) != 1 || got[0] != "g2" {
		t.Fatalf("waiting = %v", got)
	}
	s.done("unknown")
	s.forget("g2")
	if !s.synced() {
		t.Fatalf("waiting = %v", s.waiting())
	}
}

func TestLastChunk(t *testing.T) {
	cases := []struct {
		index, count int
		want         bool
	}{
		{0, 1, true},
		{0, 3, false},
		{2, 3, true},
		{0, 0, true},
	}
	for _, tc := range cases {
		if got := lastChunk(tc.index, tc.count); got != tc.want {
			t.Fatalf("lastChunk(%d, %d) = %v", tc.index, tc.count, got)
		}
	}
}

func TestReadyWaitsForLastMemberChunk(t *testing.T) {
	l := loop.New(roster.New(), nil, logx.Nop(), 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	a := &Adapter{loop: l, log: logx.Nop(), sync: newRosterSync()}
	a.ready.Store(true)
	a.sync.expect([]string{"g1"})
	if a.Ready() {
		t.Fatal("ready before any members arrived")
	}

	chunk := func(index int, userID string) *discordgo.GuildMembersChunk {
		return &discordgo.GuildMembersChunk{
			GuildID:    "g1",
			ChunkIndex: index,
			ChunkCount: 2,
			Members:    []*discordgo.Member{{User: &discordgo.User{ID: userID}, Roles: []string{"vip"}}},
		}
	}
	flush := func() {
		if err := l.Do(ctx, "flush", func(*roster.Roster) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}

	a.onMembersChunk(nil, chunk(0, "u1"))
	flush()
	if a.Ready() {
		t.Fatal("ready after the first of two chunks")
	}
	a.onMembersChunk(nil, chunk(1, "u2"))
	flush()
	if !a.Ready() {
		t.Fatalf("not ready after the last chunk, waiting = %v", a.Syncing())
	}

	var vip []string
	_ = l.Do(ctx, "read", func(r *roster.Roster) error {
		vip = r.MembersWithRole("vip")
		return nil
	})
	if len(vip) != 2 {
		t.Fatalf("vip members = %v", vip)
	}
}
