package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bardlex/poolportal/internal/ledger"
	"github.com/bardlex/poolportal/internal/stratum"
	"github.com/bardlex/poolportal/internal/validation"
)

// HandleMessage dispatches one client request
func (e *Engine) HandleMessage(ctx context.Context, s *stratum.Session, msg *stratum.Message) error {
	switch msg.Method {
	case stratum.MethodSubscribe:
		return e.handleSubscribe(s, msg)
	case stratum.MethodAuthorize:
		return e.handleAuthorize(ctx, s, msg)
	case stratum.MethodSubmit:
		return e.handleSubmit(ctx, s, msg)
	case stratum.MethodExtranonceSubscribe:
		return s.SendResponse(msg.ID, true)
	case stratum.MethodGetTransactions:
		return s.SendResponse(msg.ID, []any{})
	default:
		return s.SendError(msg.ID, stratum.ErrorMethodNotFound, "Method not found")
	}
}

func (e *Engine) handleSubscribe(s *stratum.Session, msg *stratum.Message) error {
	if _, err := stratum.ParseSubscribeRequest(msg.Params); err != nil {
		return s.SendError(msg.ID, stratum.ErrorInvalidParams, err.Error())
	}

	extraNonce1 := e.extraNonce.Next()
	s.SetSubscribed(extraNonce1)

	if err := s.SendResponse(msg.ID, stratum.SubscribeResult(s.ID(), extraNonce1, e.cfg.ExtraNonce2Size)); err != nil {
		return err
	}

	s.SetDifficulty(e.portDifficulty(s.Port()))

	if job := e.jobs.Current(); job != nil {
		notify, err := stratum.NewNotify(job, true)
		if err != nil {
			return err
		}
		return s.SendMessage(notify)
	}
	return nil
}

func (e *Engine) handleAuthorize(ctx context.Context, s *stratum.Session, msg *stratum.Message) error {
	req, err := stratum.ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return s.SendError(msg.ID, stratum.ErrorInvalidParams, err.Error())
	}

	res := e.handlers.AuthorizeWorker(ctx, s.IP(), s.Port(), req.Username, req.Password)
	s.SetAuthorized(req.Username, res.Authorized)

	reply := stratum.NewResponse(msg.ID, res.Authorized)
	if res.Error != nil {
		reply.Error = &stratum.Error{Code: stratum.ErrorOther, Message: res.Error.Error()}
	}
	sendErr := s.SendMessage(reply)

	if res.Disconnect {
		s.Close()
	}
	return sendErr
}

func (e *Engine) handleSubmit(ctx context.Context, s *stratum.Session, msg *stratum.Message) error {
	if !s.IsAuthorized() {
		return s.SendError(msg.ID, stratum.ErrorUnauthorized, "Unauthorized worker")
	}
	if !s.IsSubscribed() {
		return s.SendError(msg.ID, stratum.ErrorNotSubscribed, "Not subscribed")
	}

	req, err := stratum.ParseSubmitRequest(msg.Params)
	if err != nil {
		return s.SendError(msg.ID, stratum.ErrorInvalidParams, err.Error())
	}

	share := &ledger.Share{
		Job:        req.JobID,
		Worker:     s.Worker(),
		IP:         s.IP(),
		Port:       s.Port(),
		Difficulty: s.Difficulty(),
	}

	key := strings.ToLower(s.ExtraNonce1() + req.ExtraNonce2 + req.NTime + req.Nonce)
	job, fresh := e.jobs.Lookup(req.JobID, key)
	if job == nil {
		return e.reject(ctx, s, msg.ID, share, stratum.ErrorJobNotFound, "Job not found")
	}
	if !fresh {
		return e.reject(ctx, s, msg.ID, share, stratum.ErrorDuplicateShare, "Duplicate share")
	}
	share.Height = job.Height
	share.Reward = job.Reward

	res, err := e.validator.Validate(job, &validation.Submission{
		JobID:       req.JobID,
		ExtraNonce1: s.ExtraNonce1(),
		ExtraNonce2: req.ExtraNonce2,
		NTime:       req.NTime,
		Nonce:       req.Nonce,
		Difficulty:  share.Difficulty,
	})
	if res != nil {
		share.ShareDiff = res.ShareDiff
		share.BlockDiff = res.BlockDiff
		share.BlockDiffActual = res.BlockDiff
	}
	if err != nil {
		if res != nil {
			share.HashInvalid = res.Hash
		}
		code, message := rejectReason(err, res)
		return e.reject(ctx, s, msg.ID, share, code, message)
	}

	blockValid := false
	if res.BlockCandidate {
		share.Hash = res.Hash
		blockValid = e.submitBlock(ctx, share, res)
	}

	sendErr := s.SendResponse(msg.ID, true)
	s.Logger().LogShareSubmission(share.Worker, share.Job, share.Difficulty, share.ShareDiff, "accepted")
	e.handlers.OnShare(ctx, share, true, blockValid)

	if e.checkBan(s, true) {
		return sendErr
	}
	if diff, ok := s.Retarget(e.now()); ok && s.SetDifficulty(diff) {
		e.handlers.OnDifficultyUpdate(share.Worker, diff)
	}
	return sendErr
}

// reject answers an invalid submission and records it
func (e *Engine) reject(ctx context.Context, s *stratum.Session, id any, share *ledger.Share, code int, message string) error {
	sendErr := s.SendError(id, code, message)
	s.Logger().LogShareSubmission(share.Worker, share.Job, share.Difficulty, share.ShareDiff, message)
	e.handlers.OnShare(ctx, share, false, false)
	e.checkBan(s, false)
	return sendErr
}

func rejectReason(err error, res *validation.Result) (int, string) {
	switch {
	case stderrors.Is(err, validation.ErrLowDifficulty):
		return stratum.ErrorLowDifficulty, fmt.Sprintf("Low difficulty share of %s", strconv.FormatFloat(res.ShareDiff, 'g', 8, 64))
	case stderrors.Is(err, validation.ErrExtraNonce2Size):
		return stratum.ErrorOther, "Incorrect size of extranonce2"
	case stderrors.Is(err, validation.ErrNTimeOutOfRange):
		return stratum.ErrorOther, "ntime out of range"
	default:
		return stratum.ErrorOther, "Malformed submission"
	}
}

// submitBlock hands a candidate to the daemons and reports whether it was
// accepted
func (e *Engine) submitBlock(ctx context.Context, share *ledger.Share, res *validation.Result) bool {
	if err := e.submitter.SubmitBlock(ctx, res.BlockHex); err != nil {
		e.logger.WithError(err).Warn("block submission failed", "hash", res.Hash, "height", share.Height, "worker", share.Worker)
		return false
	}
	e.logger.Info("block submitted", "hash", res.Hash, "height", share.Height, "worker", share.Worker)
	return true
}

// checkBan bans the session's IP once its invalid ratio reaches the
// configured percentage over a full window. It reports whether the session
// was banned.
func (e *Engine) checkBan(s *stratum.Session, valid bool) bool {
	banning := e.pool.Settings.Banning
	if !banning.Enabled || banning.CheckThreshold <= 0 {
		return false
	}

	validShares, invalidShares := s.RecordShare(valid)
	total := validShares + invalidShares
	if total < banning.CheckThreshold {
		return false
	}

	percentBad := float64(invalidShares) / float64(total) * 100
	if percentBad < banning.InvalidPercent {
		s.ResetShareCounts()
		return false
	}

	e.logger.Warn("banning IP for submitting too many invalid shares",
		"ip", s.IP(), "worker", s.Worker(), "invalid_percent", percentBad)
	if e.bans.Ban(s.IP()) {
		e.handlers.OnBanIP(s.IP())
	}
	e.dropIP(s.IP())
	return true
}

func (e *Engine) portDifficulty(port int) float64 {
	if p, ok := e.pool.Ports[strconv.Itoa(port)]; ok && p.Difficulty > 0 {
		return p.Difficulty
	}
	return 1
}
