package security

import (
	"strings"
	"testing"
	"time"
	"unicode"
)

func TestHashAndVerifyRoundTrip(t *testing.T) {
	policy := NewPasswordPolicy(HashParams{Memory: 16 * 1024, Iterations: 1, Parallelism: 1})

	hash, err := policy.Hash("CorrectHorse9!")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected hash prefix: %s", hash)
	}

	ok, err := policy.Verify("CorrectHorse9!", hash)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("expected matching password to verify")
	}

	ok, err = policy.Verify("WrongHorse9!", hash)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched password to fail verification")
	}
}

func TestHashProducesUniqueSalts(t *testing.T) {
	policy := NewPasswordPolicy(HashParams{Memory: 16 * 1024, Iterations: 1, Parallelism: 1})

	h1, err := policy.Hash("CorrectHorse9!")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := policy.Hash("CorrectHorse9!")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 == h2 {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	policy := NewPasswordPolicy(DefaultParams)
	if _, err := policy.Verify("anything", "not-a-phc-string"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}

func TestScoreStrength(t *testing.T) {
	policy := NewPasswordPolicy(DefaultParams)

	tests := []struct {
		name      string
		password  string
		valid     bool
		errSubstr string
	}{
		{"all rules short", "Short1!", false, "at least 8 characters"},
		{"strong twelve", "StrongPas12!", true, ""},
		{"no upper", "alllower1!x", false, "uppercase"},
		{"no special", "NoSpecial123", false, "special character"},
		{"common pattern", "Password123!", false, "common pattern"},
		{"repeated run", "Goood$Pass1", false, "repeated characters"},
		{"empty", "", false, "at least 8 characters"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := policy.ScoreStrength(tc.password)
			if result.Valid != tc.valid {
				t.Fatalf("valid = %v, want %v (errors: %v)", result.Valid, tc.valid, result.Errors)
			}
			if tc.errSubstr != "" {
				found := false
				for _, e := range result.Errors {
					if strings.Contains(e, tc.errSubstr) {
						found = true
					}
				}
				if !found {
					t.Fatalf("expected an error containing %q, got %v", tc.errSubstr, result.Errors)
				}
			}
			if result.Valid && len(result.Errors) != 0 {
				t.Fatalf("valid result must carry no errors, got %v", result.Errors)
			}
		})
	}
}

func TestScoreStrengthLengthBonuses(t *testing.T) {
	policy := NewPasswordPolicy(DefaultParams)

	short := policy.ScoreStrength("Abcdef1!")       // 8 chars, all classes
	medium := policy.ScoreStrength("Abcdefgh1234!Z") // 14 chars
	long := policy.ScoreStrength("Abcdefgh1234!Zxy") // 16 chars

	if short.Score != 100 {
		t.Fatalf("base score = %d, want 100", short.Score)
	}
	if medium.Score != 100 {
		t.Fatalf("score is clamped at 100, got %d", medium.Score)
	}
	if long.Score != 100 {
		t.Fatalf("score is clamped at 100, got %d", long.Score)
	}
	if !short.Valid || !medium.Valid || !long.Valid {
		t.Fatal("all three passwords satisfy the base rules")
	}
}

func TestScoreStrengthClampsAtZero(t *testing.T) {
	policy := NewPasswordPolicy(DefaultParams)
	result := policy.ScoreStrength("pass")
	if result.Score < 0 {
		t.Fatalf("score must not go negative, got %d", result.Score)
	}
	if result.Valid {
		t.Fatal("weak password must not be valid")
	}
}

func TestGenerateRandomSatisfiesPolicy(t *testing.T) {
	policy := NewPasswordPolicy(DefaultParams)

	for _, length := range []int{0, 8, 12, 24} {
		password, err := policy.GenerateRandom(length)
		if err != nil {
			t.Fatalf("GenerateRandom(%d) failed: %v", length, err)
		}
		want := length
		if want <= 0 {
			want = 12
		}
		if len(password) != want {
			t.Fatalf("GenerateRandom(%d) returned %d characters", length, len(password))
		}
		result := policy.ScoreStrength(password)
		if len(result.Errors) > 0 {
			for _, e := range result.Errors {
				// Random output can legitimately trip the repeat rule; everything
				// else indicates a missing character class.
				if !strings.Contains(e, "repeated") {
					t.Fatalf("generated password %q violates base rule: %s", password, e)
				}
			}
		}
	}
}

func TestGenerateRandomEnforcesMinimumLength(t *testing.T) {
	policy := NewPasswordPolicy(DefaultParams)
	password, err := policy.GenerateRandom(4)
	if err != nil {
		t.Fatalf("GenerateRandom failed: %v", err)
	}
	if len(password) != 8 {
		t.Fatalf("lengths under 8 are raised to 8, got %d", len(password))
	}
}

func TestGenerateResetToken(t *testing.T) {
	policy := NewPasswordPolicy(DefaultParams)

	token, err := policy.GenerateResetToken()
	if err != nil {
		t.Fatalf("GenerateResetToken failed: %v", err)
	}
	if len(token) != 32 {
		t.Fatalf("token length = %d, want 32", len(token))
	}
	for _, r := range token {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			t.Fatalf("token contains non-alphanumeric character %q", r)
		}
	}

	other, err := policy.GenerateResetToken()
	if err != nil {
		t.Fatalf("GenerateResetToken failed: %v", err)
	}
	if token == other {
		t.Fatal("two reset tokens must differ")
	}
}

func TestShouldRotate(t *testing.T) {
	policy := NewPasswordPolicy(DefaultParams)

	if !policy.ShouldRotate(time.Time{}, 90) {
		t.Fatal("a never-set password is always due for rotation")
	}
	if policy.ShouldRotate(time.Now().Add(-24*time.Hour), 90) {
		t.Fatal("a day-old password is not due")
	}
	if !policy.ShouldRotate(time.Now().Add(-91*24*time.Hour), 90) {
		t.Fatal("a 91-day-old password is due")
	}
	// maxAgeDays <= 0 falls back to the 90-day default.
	if policy.ShouldRotate(time.Now().Add(-30*24*time.Hour), 0) {
		t.Fatal("30 days is inside the default window")
	}
	if !policy.ShouldRotate(time.Now().Add(-120*24*time.Hour), 0) {
		t.Fatal("120 days is outside the default window")
	}
}
