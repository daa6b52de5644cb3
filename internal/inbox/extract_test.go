package inbox

import "testing"

func TestExtractCodeServicePatterns(t *testing.T) {
	tests := []struct {
		name       string
		service    string
		content    string
		code       string
		confidence float64
	}{
		{"telegram", "telegram", "Telegram code: 84213", "84213", 0.95},
		{"whatsapp strips hyphen", "whatsapp", "WhatsApp code 123-456", "123456", 0.95},
		{"google prefix", "google", "G-482913 is your Google verification code", "482913", 0.95},
		{"facebook", "facebook", "94721 is your Facebook confirmation code", "94721", 0.95},
		{"instagram", "instagram", "832114 is your Instagram code", "832114", 0.95},
		{"discord", "discord", "Your Discord verification code is 428913", "428913", 0.95},
		{"uber", "uber", "Your Uber code: 7321", "7321", 0.95},
		{"tiktok", "tiktok", "[TikTok] 582913 is your verification code", "582913", 0.95},
		{"service pattern beats keyword", "telegram", "Telegram code: 84213. Do not share this code.", "84213", 0.95},
		{"unknown service falls through to keyword", "tg", "Your code is 842193", "842193", 0.85},
		{"otp keyword", "vk", "OTP: 4821", "4821", 0.85},
		{"pin keyword", "vk", "PIN 99120 expires soon", "99120", 0.85},
		{"hyphen pair without keyword", "tg", "Use 123-456 to continue", "123456", 0.7},
		{"bare digit run", "tg", "8231 is all you need", "8231", 0.6},
		{"overlong digit run ignored", "tg", "ref 123456789 thanks", "", 0},
		{"no digits", "tg", "hello there", "", 0},
		{"empty content", "tg", "   ", "", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractCode(tc.service, tc.content)
			if got.Code != tc.code {
				t.Fatalf("code = %q, want %q", got.Code, tc.code)
			}
			if got.Confidence != tc.confidence {
				t.Fatalf("confidence = %v, want %v", got.Confidence, tc.confidence)
			}
		})
	}
}

func TestExtractCodeTriesServiceBeforeGeneric(t *testing.T) {
	// The telegram pattern needs 5-6 digits; a 4 digit code must fall
	// back to the keyword tier instead of being dropped.
	got := ExtractCode("telegram", "Telegram code: 8421")
	if got.Code != "8421" || got.Confidence != 0.85 {
		t.Fatalf("got %+v, want keyword fallback 8421/0.85", got)
	}
}
