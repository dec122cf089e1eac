package domain

// JWTClaims represents the bearer token payload issued by the account system.
type JWTClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// RoleAdmin grants the recovery and health endpoints.
const RoleAdmin = "admin"
