package demangle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaudit/internal/demangle"
)

func TestDemangleSegments(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   []string
		scheme demangle.Scheme
	}{
		{
			name:   "rust legacy",
			raw:    "_ZN3std2io5stdio6_print17h5c2e7b8e1b5d8f4aE",
			want:   []string{"std", "io", "stdio", "_print"},
			scheme: demangle.SchemeRustLegacy,
		},
		{
			name:   "rust legacy mach-o",
			raw:    "__ZN3std3net3tcp9TcpStream7connect17h0123456789abcdefE",
			want:   []string{"std", "net", "tcp", "TcpStream", "connect"},
			scheme: demangle.SchemeRustLegacy,
		},
		{
			name:   "itanium",
			raw:    "_ZN3foo3barEv",
			want:   []string{"foo", "bar"},
			scheme: demangle.SchemeItanium,
		},
		{
			name:   "rust v0",
			raw:    "_RNvNtCs1234_7mycrate3foo3bar",
			want:   []string{"mycrate", "foo", "bar"},
			scheme: demangle.SchemeRustV0,
		},
		{
			name:   "go function",
			raw:    "net.Dial",
			want:   []string{"net", "Dial"},
			scheme: demangle.SchemeGo,
		},
		{
			name:   "go pointer method",
			raw:    "os.(*File).Read",
			want:   []string{"os", "File", "Read"},
			scheme: demangle.SchemeGo,
		},
		{
			name:   "go module path",
			raw:    "github.com/acme/widget/internal/store.(*DB).Open",
			want:   []string{"github.com/acme/widget/internal/store", "DB", "Open"},
			scheme: demangle.SchemeGo,
		},
		{
			name:   "go escaped dot",
			raw:    "gopkg.in/yaml%2ev3.Marshal",
			want:   []string{"gopkg.in/yaml.v3", "Marshal"},
			scheme: demangle.SchemeGo,
		},
		{
			name:   "go method value",
			raw:    "net/http.(*Server).Serve-fm",
			want:   []string{"net/http", "Server", "Serve"},
			scheme: demangle.SchemeGo,
		},
		{
			name:   "go runtime type",
			raw:    "type:*os.File",
			want:   []string{"type", "*os.File"},
			scheme: demangle.SchemeGo,
		},
		{
			name:   "c mach-o underscore",
			raw:    "_open",
			want:   []string{"open"},
			scheme: demangle.SchemeC,
		},
		{
			name:   "c versioned",
			raw:    "memcpy@GLIBC_2.14",
			want:   []string{"memcpy"},
			scheme: demangle.SchemeC,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := demangle.Demangle(tt.raw)
			require.True(t, ok)
			assert.Equal(t, tt.want, p.Segments)
			assert.Equal(t, tt.scheme, p.Scheme)
		})
	}
}

func TestDemangleTraitImpl(t *testing.T) {
	p, ok := demangle.Demangle("__ZN66_$LT$std..io..cursor..Cursor$LT$T$GT$$u20$as$u20$std..io..Read$GT$4read17h3955760825c0713eE")
	require.True(t, ok)
	assert.Equal(t, []string{"std", "io", "cursor", "Cursor", "read"}, p.Segments)
	require.NotNil(t, p.Qualifier)
	assert.Equal(t, demangle.TraitImpl, p.Qualifier.Kind)
	assert.Equal(t, "std::io::Read", p.Qualifier.Trait)
	assert.Equal(t, "T", p.Qualifier.Args)
}

func TestDemangleTraitImplOnConcreteType(t *testing.T) {
	p, ok := demangle.Demangle("__ZN58_$LT$std..net..tcp..TcpStream$u20$as$u20$std..io..Read$GT$4read17h3955760825c0713eE")
	require.True(t, ok)
	assert.Equal(t, []string{"std", "net", "tcp", "TcpStream", "read"}, p.Segments)
	require.NotNil(t, p.Qualifier)
	assert.Equal(t, demangle.TraitImpl, p.Qualifier.Kind)
	assert.Equal(t, "std::io::Read", p.Qualifier.Trait)
	assert.Empty(t, p.Qualifier.Args)
}

func TestDemangleRejectsMisalignedLegacyLength(t *testing.T) {
	// The first component is 58 bytes, not 66.
	for _, raw := range []string{
		"__ZN66_$LT$std..net..tcp..TcpStream$u20$as$u20$std..io..Read$GT$4read17h3955760825c0713eE",
		"_ZN3std2io99stdio17h5c2e7b8e1b5d8f4aE",
	} {
		p, ok := demangle.Demangle(raw)
		assert.False(t, ok, raw)
		assert.Equal(t, []string{raw}, p.Segments, raw)
		assert.Nil(t, p.Qualifier, raw)
	}
}

func TestDemangleKeepsInnerUnderscore(t *testing.T) {
	p, ok := demangle.Demangle("_ZN4core9panicking9panic_fmt17h0123456789abcdefE")
	require.True(t, ok)
	assert.Equal(t, "core::panicking::panic_fmt", p.String())

	p, ok = demangle.Demangle("_ZN3std2rt10lang_start6__init17h0123456789abcdefE")
	require.True(t, ok)
	assert.Equal(t, []string{"std", "rt", "lang_start", "__init"}, p.Segments)
}

func TestDemangleGenericQualifier(t *testing.T) {
	p, ok := demangle.Demangle("_ZN3foo3BarIiE3bazEv")
	require.True(t, ok)
	assert.Equal(t, "foo::Bar::baz", p.String())
	require.NotNil(t, p.Qualifier)
	assert.Equal(t, demangle.Generic, p.Qualifier.Kind)
	assert.Equal(t, "int", p.Qualifier.Args)

	p, ok = demangle.Demangle("slices.Sort[go.shape.int]")
	require.True(t, ok)
	assert.Equal(t, []string{"slices", "Sort"}, p.Segments)
	require.NotNil(t, p.Qualifier)
	assert.Equal(t, "go.shape.int", p.Qualifier.Args)
}

func TestDemangleManualFallback(t *testing.T) {
	raw := "__ZN4egui7context27IMMEDIATE_VIEWPORT_RENDERER29_$u7b$$u7b$constant$u7d$$u7d$28_$u7b$$u7b$closure$u7d$$u7d$3VAL17hef349e8e72b897f3E$tlv$init"
	p, ok := demangle.Demangle(raw)
	require.True(t, ok)
	assert.Equal(t, []string{"egui", "context", "IMMEDIATE_VIEWPORT_RENDERER", "{{constant}}", "{{closure}}", "VAL"}, p.Segments)
}

func TestDemangleUnrecognized(t *testing.T) {
	for _, raw := range []string{"$s4main3FooV", "_ZZZ", "-[NSObject init]", ""} {
		p, ok := demangle.Demangle(raw)
		assert.False(t, ok, raw)
		assert.Equal(t, []string{raw}, p.Segments, raw)
	}
}

func TestDemangleDeterministic(t *testing.T) {
	raw := "_ZN3std2fs4File4open17h0123456789abcdefE"
	first, _ := demangle.Demangle(raw)
	for range 5 {
		again, _ := demangle.Demangle(raw)
		assert.Equal(t, first, again)
	}
}
