package sports

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var classifierLog = logrus.WithField("component", "shock_classifier")

// Classification 冲击归因结论。只有 single_event 允许开仓。
type Classification string

const (
	// ClassSingleEvent 恰好一次得分解释了价格冲击。
	ClassSingleEvent Classification = "single_event"
	// ClassMultiEvent 窗口内多次得分，归因不清。
	ClassMultiEvent Classification = "multi_event"
	// ClassNoise 没有任何比赛事件，价格自己动的。
	ClassNoise Classification = "noise"
	// ClassPreShock 唯一的事件明显早于冲击，行情是迟到的二次反应。
	ClassPreShock Classification = "pre_shock"
)

// ClassifierConfig 爆发轮询参数。零值字段取默认。
type ClassifierConfig struct {
	BurstCutoff       time.Duration // 轮询总预算，默认 10s
	PollInterval      time.Duration // 轮询间隔，默认 2s
	AttributionWindow time.Duration // 事件归因窗口，默认 120s
	FreshMargin       time.Duration // 冲击前这段时间内的事件仍算"新"，默认 15s
}

func (c ClassifierConfig) withDefaults() ClassifierConfig {
	if c.BurstCutoff <= 0 {
		c.BurstCutoff = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = politeGap
	}
	if c.AttributionWindow <= 0 {
		c.AttributionWindow = 120 * time.Second
	}
	if c.FreshMargin <= 0 {
		c.FreshMargin = 15 * time.Second
	}
	return c
}

// Verdict 分类结论。Event 仅在 single_event 时非空。
type Verdict struct {
	Class Classification
	Event *ScoreEvent
	Polls int
}

// Classifier 冲击发生后对着比分源做爆发轮询，判断这次价格冲击
// 能不能归因到恰好一次得分。体育 feed 比盘口慢约 3 秒，所以第一轮
// 查不到不算完，要轮询到事件出现或预算耗尽。
type Classifier struct {
	src Source
	cfg ClassifierConfig
}

func NewClassifier(src Source, cfg ClassifierConfig) *Classifier {
	return &Classifier{src: src, cfg: cfg.withDefaults()}
}

// Classify 对一场比赛的价格冲击做归因。
//
// 判新规则：带墙钟的事件看与 shockAt 的距离（FreshMargin 之内算新，
// 更早但在归因窗口内算旧闻）；不带墙钟的事件（NHL）看它是否在首轮
// 基线之后才出现。首轮即拿到唯一新事件时再多轮询一轮，
// 给几乎同时的第二次得分一个现身机会。
func (c *Classifier) Classify(ctx context.Context, gameID string, shockAt time.Time) (Verdict, error) {
	deadline := time.Now().Add(c.cfg.BurstCutoff)
	since := shockAt.Add(-c.cfg.AttributionWindow)

	baseline := make(map[string]bool)
	fresh := make(map[string]bool)
	var freshFirst ScoreEvent
	preShock := false
	confirmed := false
	baselined := false
	polls, failures := 0, 0
	var lastErr error

	for {
		events, err := c.src.Events(ctx, gameID, since)
		polls++
		if err != nil {
			failures++
			lastErr = err
			classifierLog.Warnf("⚠️ 爆发轮询失败 (第 %d 轮): %s: %v", polls, gameID, err)
		} else {
			// 基线取第一轮成功的结果。首轮失败时不能拿后续轮当新事件，
			// 否则开赛以来的所有进球都会被误判成刚发生的。
			isBaseline := !baselined
			baselined = true
			for _, ev := range events {
				if isBaseline {
					baseline[ev.EventID] = true
				}
				switch c.judge(ev, shockAt, isBaseline, baseline) {
				case eventFresh:
					if !fresh[ev.EventID] {
						if len(fresh) == 0 {
							freshFirst = ev
						}
						fresh[ev.EventID] = true
					}
				case eventPreShock:
					preShock = true
				}
			}
		}

		if len(fresh) >= 2 {
			classifierLog.Infof("📊 归因 multi_event: %s 爆发窗口内 %d 次得分", gameID, len(fresh))
			return Verdict{Class: ClassMultiEvent, Polls: polls}, nil
		}
		if len(fresh) == 1 {
			if confirmed {
				classifierLog.Infof("📊 归因 single_event: %s %s %s +%d",
					gameID, freshFirst.Team, freshFirst.Kind, freshFirst.Points)
				ev := freshFirst
				return Verdict{Class: ClassSingleEvent, Event: &ev, Polls: polls}, nil
			}
			confirmed = true
		}

		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}

	if failures == polls {
		return Verdict{}, errors.Wrapf(lastErr, "爆发轮询全部失败: %s", gameID)
	}
	if len(fresh) == 1 {
		ev := freshFirst
		classifierLog.Infof("📊 归因 single_event (预算收口): %s %s %s", gameID, ev.Team, ev.Kind)
		return Verdict{Class: ClassSingleEvent, Event: &ev, Polls: polls}, nil
	}
	if preShock {
		classifierLog.Infof("📊 归因 pre_shock: %s 唯一事件早于冲击", gameID)
		return Verdict{Class: ClassPreShock, Polls: polls}, nil
	}
	classifierLog.Infof("📊 归因 noise: %s 无比赛事件", gameID)
	return Verdict{Class: ClassNoise, Polls: polls}, nil
}

type eventJudgment int

const (
	eventStale eventJudgment = iota
	eventFresh
	eventPreShock
)

func (c *Classifier) judge(ev ScoreEvent, shockAt time.Time, isBaseline bool, baseline map[string]bool) eventJudgment {
	if ev.At.IsZero() {
		// 无墙钟：基线里的算旧闻，基线之后冒出来的算新
		if isBaseline || baseline[ev.EventID] {
			return eventStale
		}
		return eventFresh
	}
	if ev.At.Before(shockAt.Add(-c.cfg.AttributionWindow)) {
		return eventStale
	}
	if ev.At.Before(shockAt.Add(-c.cfg.FreshMargin)) {
		return eventPreShock
	}
	return eventFresh
}
