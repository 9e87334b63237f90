package ledger

import "github.com/xtrntr/escrow/internal/models"

// IsAdmin reports whether caller is the configured administrator
func IsAdmin(cfg *models.GlobalConfig, caller models.AccountID) bool {
	return caller != "" && caller == cfg.Admin
}

// IsOracle reports whether caller is the configured oracle
func IsOracle(cfg *models.GlobalConfig, caller models.AccountID) bool {
	return caller != "" && caller == cfg.Oracle
}

// IsOracleOrAdmin is the gate for oracle callbacks, which the admin may also drive
func IsOracleOrAdmin(cfg *models.GlobalConfig, caller models.AccountID) bool {
	return IsOracle(cfg, caller) || IsAdmin(cfg, caller)
}

func IsSeller(acct *models.Account) bool {
	return acct != nil && acct.Roles.Seller
}

func IsPremium(acct *models.Account) bool {
	return acct != nil && acct.Roles.Premium
}
