package feed

import (
	"testing"
)

// TestParsePrice 测试线上价格字符串到定点 pips 的解析
func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		pips int
	}{
		{"0.55", 5500},
		{"0.5", 5000},
		{"0.0001", 1},
		{"0.9999", 9999},
		{"1", 10000},
		{"1.0", 10000},
		{"0", 0},
		{".5", 5000},
		{"0.12345", 1235}, // 第 5 位 5 进位
		{"0.12344", 1234}, // 第 5 位 4 舍去
		{"0.123499", 1235},
		{"  0.48", 4800}, // 前导空白
		{"0.48\n", 4800},
	}
	for _, c := range cases {
		got, err := parsePrice(c.in)
		if err != nil {
			t.Errorf("parsePrice(%q) 不应该报错: %v", c.in, err)
			continue
		}
		if got.Pips != c.pips {
			t.Errorf("parsePrice(%q) = %d pips，期望 %d", c.in, got.Pips, c.pips)
		}
	}
}

// TestParsePriceInvalid 测试坏输入报错
func TestParsePriceInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "abc", ".", "-0.5"} {
		if _, err := parsePrice(in); err == nil {
			t.Errorf("parsePrice(%q) 应该报错", in)
		}
	}
}

// TestIsBenignClose 测试正常关闭错误的识别
func TestIsBenignClose(t *testing.T) {
	if isBenignClose(nil) {
		t.Error("nil 不应该算正常关闭")
	}
	if !isBenignClose(errUseOfClosedConn{}) {
		t.Error("use of closed network connection 应该算正常关闭")
	}
}

type errUseOfClosedConn struct{}

func (errUseOfClosedConn) Error() string { return "read tcp: use of closed network connection" }

// TestIsTimeout 测试超时错误的识别
func TestIsTimeout(t *testing.T) {
	if isTimeout(nil) {
		t.Error("nil 不是超时")
	}
	if !isTimeout(timeoutErr{}) {
		t.Error("实现 Timeout() 的错误应该被识别")
	}
	if isTimeout(errUseOfClosedConn{}) {
		t.Error("普通错误不是超时")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
