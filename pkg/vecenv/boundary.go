package vecenv

import (
	"context"
	"fmt"
	"time"

	"github.com/EliasChaung/xuanpolicy/internal/logging"
	"github.com/EliasChaung/xuanpolicy/pkg/core"
	"github.com/EliasChaung/xuanpolicy/pkg/messaging"
)

// autoReset closes the books on slot i's episode and starts the next one
// on that slot alone.
func (c *Controller) autoReset(ctx context.Context, i int) error {
	info := c.bufInfos[i]
	for _, key := range core.TerminalKeys {
		if !info.Has(key) {
			return c.fail(fmt.Errorf("%w: slot %d terminal step has no %q", ErrMissingInfoKey, i, key))
		}
	}
	won, _ := info.Get(core.KeyBattleWon)
	deadAllies, _ := info.Get(core.KeyDeadAllies)
	deadEnemies, _ := info.Get(core.KeyDeadEnemies)

	c.stats.BattlesPlayed[i]++
	if won != 0 {
		c.stats.BattlesWon[i]++
	}
	c.stats.DeadAlliesCumulative[i] += deadAllies
	c.stats.DeadEnemiesCumulative[i] += deadEnemies

	ref := c.ref(i)
	avail, err := c.request(ctx, ref.worker, messaging.Request{
		Command: messaging.CommandGetAvailActions,
		Slot:    messaging.TargetSlot(ref.local),
	}, 1)
	if err != nil {
		return err
	}
	reset, err := c.request(ctx, ref.worker, messaging.Request{
		Command: messaging.CommandReset,
		Slot:    messaging.TargetSlot(ref.local),
	}, 1)
	if err != nil {
		return err
	}

	info.AvailActions = avail.Avail[0]
	info.ResetObs = reset.Resets[0].Obs
	info.ResetState = reset.Resets[0].State
	c.bufInfos[i] = info

	steps, _ := info.Get(core.KeyEpisodeStep)
	score, _ := info.Get(core.KeyEpisodeScore)
	rec := EpisodeRecord{
		RunID:       c.opts.runID,
		Slot:        i,
		Episode:     c.stats.BattlesPlayed[i],
		Steps:       int(steps),
		Score:       score,
		Won:         won != 0,
		Truncated:   c.bufTrunc[i] && !c.bufDones[i],
		DeadAllies:  deadAllies,
		DeadEnemies: deadEnemies,
		EndedAt:     time.Now().UTC(),
	}
	logging.Debug("episode finished", logging.Fields{
		RunID:     c.opts.runID,
		Component: "vecenv",
		Worker:    logging.Int(ref.worker),
		Slot:      logging.Int(i),
		Count:     rec.Episode,
	})
	if c.opts.recorder != nil {
		if err := c.opts.recorder.RecordEpisode(ctx, rec); err != nil {
			logging.Warn("record episode", logging.Fields{RunID: c.opts.runID, Component: "vecenv", Slot: logging.Int(i), Error: logging.Err(err)})
		}
	}
	return nil
}
