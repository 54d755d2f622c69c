package shockfade

import (
	"testing"
	"time"
)

func testDetectorConfig() *Config {
	return &Config{
		ZThreshold:   2.5,
		AbsMoveCents: 4,
		WindowSecs:   60,
		CooldownSecs: 30,
		FloorCents:   7,
		CeilingCents: 85,
	}
}

// 喂 n 个带微小抖动的样本，每秒一个。
func feedQuiet(d *shockDetector, start time.Time, base float64, n int) time.Time {
	at := start
	for i := 0; i < n; i++ {
		jitter := 0.001
		if i%2 == 0 {
			jitter = -0.001
		}
		d.Observe(base+jitter, at)
		at = at.Add(time.Second)
	}
	return at
}

// 平静窗口后 4 分跳涨：z 和绝对阈值同时越线，触发冲击。
func TestDetectorFiresOnJump(t *testing.T) {
	d := newShockDetector(testDetectorConfig())
	at := feedQuiet(d, time.Unix(1756200000, 0), 0.40, 30)

	signal, fired := d.Observe(0.445, at)
	if !fired {
		t.Fatal("4 分以上的跳涨应当触发冲击")
	}
	if signal.Delta < 0.04 || signal.Delta > 0.05 {
		t.Fatalf("Delta = %v, 期望约 0.044", signal.Delta)
	}
	if signal.Z < 2.5 {
		t.Fatalf("z = %v, 期望 >= 2.5", signal.Z)
	}
	if signal.Mid != 0.445 {
		t.Fatalf("锚点 = %v, 期望冲击后的 mid 0.445", signal.Mid)
	}
}

// 绝对移动不足 4 分时不触发，哪怕 z 越线。
func TestDetectorAbsThreshold(t *testing.T) {
	d := newShockDetector(testDetectorConfig())
	at := feedQuiet(d, time.Unix(1756200000, 0), 0.40, 30)

	if _, fired := d.Observe(0.43, at); fired {
		t.Fatal("3 分移动不应触发（绝对阈值 4 分）")
	}
}

// 冲击后的 mid 越出 0.07–0.85 价格带时不入场。
func TestDetectorPriceBand(t *testing.T) {
	d := newShockDetector(testDetectorConfig())
	at := feedQuiet(d, time.Unix(1756200000, 0), 0.84, 30)

	if _, fired := d.Observe(0.90, at); fired {
		t.Fatal("0.90 超出上限 0.85，不应触发")
	}

	d2 := newShockDetector(testDetectorConfig())
	at2 := feedQuiet(d2, time.Unix(1756200000, 0), 0.10, 30)
	if _, fired := d2.Observe(0.05, at2); fired {
		t.Fatal("0.05 低于下限 0.07，不应触发")
	}
}

// 样本不足时 σ 没意义，不触发。
func TestDetectorNeedsSamples(t *testing.T) {
	d := newShockDetector(testDetectorConfig())
	at := feedQuiet(d, time.Unix(1756200000, 0), 0.40, 5)

	if _, fired := d.Observe(0.50, at); fired {
		t.Fatal("窗口未填满不应触发")
	}
}

// 同 token 两次冲击之间要隔够冷却时间。
func TestDetectorCooldown(t *testing.T) {
	d := newShockDetector(testDetectorConfig())
	at := feedQuiet(d, time.Unix(1756200000, 0), 0.40, 30)

	if _, fired := d.Observe(0.445, at); !fired {
		t.Fatal("首次冲击应当触发")
	}
	at = at.Add(5 * time.Second)
	if _, fired := d.Observe(0.50, at); fired {
		t.Fatal("冷却期内不应再次触发")
	}
	at = at.Add(31 * time.Second)
	feedQuiet(d, at, 0.50, 15)
	// 冷却已过且窗口重新填满后可以再触发
	if _, fired := d.Observe(0.56, at.Add(15*time.Second)); !fired {
		t.Fatal("冷却期过后应当可以再次触发")
	}
}

// 向下冲击也会越线（对侧被打高时由对侧检测器接管方向判断）。
func TestDetectorDownMove(t *testing.T) {
	d := newShockDetector(testDetectorConfig())
	at := feedQuiet(d, time.Unix(1756200000, 0), 0.50, 30)

	signal, fired := d.Observe(0.45, at)
	if !fired {
		t.Fatal("5 分下跌应当越线")
	}
	if signal.Delta >= 0 {
		t.Fatalf("Delta = %v, 期望为负", signal.Delta)
	}
}

// 窗口外的旧样本会被清掉，σ 只看最近 window 内的波动。
func TestDetectorEvictsOldSamples(t *testing.T) {
	d := newShockDetector(testDetectorConfig())
	start := time.Unix(1756200000, 0)
	feedQuiet(d, start, 0.40, 30)

	// 2 分钟后全部旧样本出窗，窗口重新从零开始
	at := start.Add(2 * time.Minute)
	if _, fired := d.Observe(0.60, at); fired {
		t.Fatal("旧样本出窗后不应凭单样本触发")
	}
	if len(d.samples) != 1 {
		t.Fatalf("样本数 = %d, 期望只剩新样本 1 个", len(d.samples))
	}
}
