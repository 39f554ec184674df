package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidEthAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestIsValidTxHash(t *testing.T) {
	good := "0x" + "ab12" + strings.Repeat("0", 60)
	if !IsValidTxHash(good) {
		t.Fatalf("expected %s to be valid", good)
	}
	for _, bad := range []string{"", "0x1234", good[2:] + "00", "0x" + "zz" + good[4:]} {
		if IsValidTxHash(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}

func TestNormalizeTokenID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"42", "42", true},
		{"0x2a", "42", true},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935", true},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639936", "", false},
		{"-1", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeTokenID(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("NormalizeTokenID(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	if got := SanitizeAddress("  0xABCDEF1234567890123456789012345678901234 "); got != "0xabcdef1234567890123456789012345678901234" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeAddress("1234567890123456789012345678901234567890"); got != "0x1234567890123456789012345678901234567890" {
		t.Errorf("got %q", got)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("creator", ""),
		ValidAddress("nftContract", "nope"),
		ValidTokenID("tokenId", "abc"),
		ValidTxHash("txHash", ""),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() != "creator: is required" {
		t.Errorf("unexpected first error %q", errs.Error())
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/users/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/0x1234567890123456789012345678901234567890", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/users/garbage", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
