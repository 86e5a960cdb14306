package cli

import "testing"

func TestParseAge(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"", 3600},
		{"0", 0},
		{"5400", 5400},
		{"90m", 5400},
		{"48h", 172800},
	}
	for _, tc := range cases {
		got, err := parseAge("--max-age", tc.in, 3600)
		if err != nil {
			t.Fatalf("解析 %q 失败: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: 期望 %d, 实际 %d", tc.in, tc.want, got)
		}
	}

	for _, bad := range []string{"abc", "-5m", "1.5"} {
		if _, err := parseAge("--max-age", bad, 0); err == nil {
			t.Fatalf("%q 应当解析失败", bad)
		}
	}
}

func TestParseAddress(t *testing.T) {
	addr, err := parseAddress("--token", "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	if err != nil {
		t.Fatalf("解析地址失败: %v", err)
	}
	if addr.Hex() != "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2" {
		t.Fatalf("地址不匹配: %s", addr.Hex())
	}
	if _, err := parseAddress("--token", "not-an-address"); err == nil {
		t.Fatalf("非法地址应当报错")
	}
}
