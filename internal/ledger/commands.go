package ledger

import (
	"encoding/json"
)

// Command is one Redis command, name first, e.g. {"hincrby", key, field, 1}
type Command []any

// Name returns the command verb
func (c Command) Name() string {
	if len(c) == 0 {
		return ""
	}
	name, _ := c[0].(string)
	return name
}

func toArgs(cmds []Command) [][]any {
	args := make([][]any, len(cmds))
	for i, c := range cmds {
		args[i] = c
	}
	return args
}

// BuildTimesCommands accrues the seconds elapsed since the worker's previous
// share into times:values and, unless suppressLast is set, stamps times:last
// with the current time. A worker without a sample accrues 0. Elapsed time
// is not clamped, so a sample ahead of this fork's clock accrues a negative
// amount.
func (l *Ledger) BuildTimesCommands(samples TimingSamples, share *Share, suppressLast bool) []Command {
	nowMs := l.now().UnixMilli()

	var elapsed float64
	if last, ok := samples[share.Worker]; ok {
		elapsed = float64(nowMs-last) / 1000
	}

	cmds := []Command{
		{"hincrbyfloat", l.keys.Current(TimesValues), share.Worker, elapsed},
	}
	if !suppressLast {
		cmds = append(cmds, Command{"hset", l.keys.Current(TimesLast), share.Worker, nowMs})
	}
	return cmds
}

// BuildSharesCommands records a share. Valid shares accrue time, credit the
// worker and count as validShares; invalid shares only count and log,
// whatever blockValid says.
func (l *Ledger) BuildSharesCommands(samples TimingSamples, share *Share, shareValid, blockValid bool) []Command {
	record := l.shareRecord(share, shareValid)

	if !shareValid {
		return []Command{
			{"hincrby", l.keys.Current(SharesCounts), FieldInvalidShares, 1},
			{"zadd", l.keys.Current(SharesRecords), record.Time, mustJSON(record)},
		}
	}

	cmds := l.BuildTimesCommands(samples, share, false)
	return append(cmds,
		Command{"hincrby", l.keys.Current(SharesValues), share.Worker, 1},
		Command{"hincrby", l.keys.Current(SharesCounts), FieldValidShares, 1},
		Command{"zadd", l.keys.Current(SharesRecords), record.Time, mustJSON(record)},
	)
}

// BuildBlocksCommands records a block candidate. An accepted block archives
// the current round under round-<height> and joins the pending set; a
// rejected one only bumps invalidBlocks.
func (l *Ledger) BuildBlocksCommands(share *Share, blockCandidate, blockValid bool) []Command {
	if !blockCandidate {
		return nil
	}
	if !blockValid {
		return []Command{
			{"hincrby", l.keys.Main(BlocksCounts), FieldInvalidBlocks, 1},
		}
	}

	block := BlockRecord{
		Time:       l.now().UnixMilli(),
		Height:     share.Height,
		Hash:       share.Hash,
		Reward:     share.Reward,
		Worker:     share.Worker,
		Difficulty: share.BlockDiff,
		ShareDiff:  share.ShareDiff,
	}

	return []Command{
		{"rename", l.keys.Current(TimesLast), l.keys.Round(share.Height, TimesLast)},
		{"rename", l.keys.Current(TimesValues), l.keys.Round(share.Height, TimesValues)},
		{"rename", l.keys.Current(SharesValues), l.keys.Round(share.Height, SharesValues)},
		{"sadd", l.keys.Main(BlocksPending), mustJSON(block)},
		{"hincrby", l.keys.Main(BlocksCounts), FieldValidBlocks, 1},
	}
}

// BuildCommands merges the share and block commands of one submission. The
// share is a block candidate when the daemon accepted it or it carries a hash.
func (l *Ledger) BuildCommands(samples TimingSamples, share *Share, shareValid, blockValid bool) []Command {
	blockCandidate := blockValid || share.Hash != ""

	cmds := l.BuildSharesCommands(samples, share, shareValid, blockValid)
	return append(cmds, l.BuildBlocksCommands(share, blockCandidate, blockValid)...)
}

func (l *Ledger) shareRecord(share *Share, valid bool) shareRecord {
	return shareRecord{
		Time:       l.now().UnixMilli(),
		Worker:     share.Worker,
		Job:        share.Job,
		IP:         share.IP,
		Port:       share.Port,
		Difficulty: share.Difficulty,
		ShareDiff:  share.ShareDiff,
		BlockDiff:  share.BlockDiff,
		Height:     share.Height,
		Valid:      valid,
	}
}

// mustJSON marshals the ledger's own plain structs, which cannot fail
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
