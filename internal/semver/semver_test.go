package semver

import "testing"

func TestVersionGTE(t *testing.T) {
	t.Run("stable beats any pre-release", func(t *testing.T) {
		if !Parse("0.1.2").GTE(Parse("0.1.2-rc.1")) {
			t.Fatal("expected 0.1.2 >= 0.1.2-rc.1")
		}
		if Parse("0.1.2-rc.1").GTE(Parse("0.1.2")) {
			t.Fatal("did not expect 0.1.2-rc.1 >= 0.1.2")
		}
	})

	t.Run("pre-release class ordering rc > beta > alpha", func(t *testing.T) {
		if !Parse("0.1.2-rc.0").GTE(Parse("0.1.2-beta.1")) {
			t.Fatal("expected rc.0 >= beta.1 regardless of number")
		}
		if !Parse("0.1.2-beta.1").GTE(Parse("0.1.2-alpha.1")) {
			t.Fatal("expected beta.1 >= alpha.1")
		}
	})

	t.Run("pre-release numeric tiebreak", func(t *testing.T) {
		if !Parse("0.1.2-rc.2").GTE(Parse("0.1.2-rc.1")) {
			t.Fatal("expected rc.2 >= rc.1")
		}
		if Parse("0.1.2-rc.1").GTE(Parse("0.1.2-rc.2")) {
			t.Fatal("did not expect rc.1 >= rc.2")
		}
	})

	t.Run("equal versions satisfy GTE", func(t *testing.T) {
		if !Parse("1.2.3").GTE(Parse("1.2.3")) {
			t.Fatal("expected equal versions to satisfy GTE")
		}
	})

	t.Run("major/minor/patch precedence", func(t *testing.T) {
		if !Parse("2.0.0").GTE(Parse("1.9.9")) {
			t.Fatal("expected 2.0.0 >= 1.9.9")
		}
		if !Parse("1.3.0").GTE(Parse("1.2.9")) {
			t.Fatal("expected 1.3.0 >= 1.2.9")
		}
	})

	t.Run("malformed components default to zero", func(t *testing.T) {
		if Parse("x.y.z").Major != 0 {
			t.Fatal("expected major 0 for unparsable input")
		}
	})
}
