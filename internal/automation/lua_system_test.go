//go:build !no_automation

package automation

import (
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func withClock(t *testing.T, at time.Time) {
	t.Helper()
	clock = func() time.Time { return at }
	t.Cleanup(func() { clock = time.Now })
}

type logLine struct{ level, msg string }

func newSystemState(t *testing.T) (*lua.LState, *[]logLine) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	var lines []logLine
	vm := &scriptVM{logf: func(level, msg string) { lines = append(lines, logLine{level, msg}) }}
	registerSystemModule(L, vm)
	return L, &lines
}

func TestSystemDatetime(t *testing.T) {
	withClock(t, time.Date(2026, 3, 14, 21, 5, 9, 0, time.Local))
	L, _ := newSystemState(t)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(21)},
		{"minute", lua.LNumber(5)},
		{"second", lua.LNumber(9)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(14)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2026)},
		{"time_str", lua.LString("21:05:09")},
		{"date_str", lua.LString("2026-03-14")},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			L.SetGlobal("_comp", lua.LString(tt.component))
			if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result"); got != tt.want {
				t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
			}
		})
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L, _ := newSystemState(t)
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("want error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		name     string
		hour     int
		from, to int
		want     bool
	}{
		{"inside", 10, 8, 22, true},
		{"at start", 8, 8, 22, true},
		{"at end", 22, 8, 22, false},
		{"before", 7, 8, 22, false},
		{"wrap late", 23, 22, 6, true},
		{"wrap early", 3, 22, 6, true},
		{"wrap outside", 12, 22, 6, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withClock(t, time.Date(2026, 1, 1, tt.hour, 30, 0, 0, time.Local))
			L, _ := newSystemState(t)
			L.SetGlobal("_from", lua.LNumber(tt.from))
			L.SetGlobal("_to", lua.LNumber(tt.to))
			if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result") == lua.LTrue; got != tt.want {
				t.Errorf("time_between(%d, %d) at %d = %v, want %v", tt.from, tt.to, tt.hour, got, tt.want)
			}
		})
	}
}

func TestSystemLog(t *testing.T) {
	L, lines := newSystemState(t)
	if err := L.DoString(`
system.log("warn", "gate left open")
system.log("shout", "unknown level")
`); err != nil {
		t.Fatal(err)
	}
	want := []logLine{{"warn", "gate left open"}, {"info", "unknown level"}}
	if len(*lines) != len(want) {
		t.Fatalf("lines = %v", *lines)
	}
	for i := range want {
		if (*lines)[i] != want[i] {
			t.Errorf("line %d = %v, want %v", i, (*lines)[i], want[i])
		}
	}
}
