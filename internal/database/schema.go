package database

// Table definitions, applied in order.  Referential actions: user self
// links and audit rows survive user deletion (SET NULL); companies own
// their assignments and sessions, sessions own their cards (CASCADE);
// ledger rows keep their history when a session or company disappears.

const createUsers = `
CREATE TABLE IF NOT EXISTS users (
    id              BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
    username        VARCHAR(64)  NOT NULL,
    password_hash   VARCHAR(255) NOT NULL,
    role            ENUM('admin','agent','cashier') NOT NULL,
    parent_agent_id BIGINT UNSIGNED NULL,
    created_by      BIGINT UNSIGNED NULL,
    commission_rate DECIMAL(5,4) NULL,
    is_active       TINYINT(1) NOT NULL DEFAULT 1,
    created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uq_users_username (username),
    KEY idx_users_parent_agent (parent_agent_id),
    KEY idx_users_created_by (created_by),
    CONSTRAINT fk_users_parent_agent FOREIGN KEY (parent_agent_id) REFERENCES users (id) ON DELETE SET NULL,
    CONSTRAINT fk_users_created_by FOREIGN KEY (created_by) REFERENCES users (id) ON DELETE SET NULL,
    CONSTRAINT chk_users_role_fields CHECK (
        (role = 'agent' AND commission_rate IS NOT NULL) OR (role <> 'agent' AND commission_rate IS NULL)
    )
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const createRefreshTokens = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
    id         BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
    user_id    BIGINT UNSIGNED NOT NULL,
    token_hash CHAR(64) NOT NULL,
    expires_at DATETIME NOT NULL,
    revoked_at DATETIME NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uq_refresh_hash (token_hash),
    CONSTRAINT fk_refresh_user FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const createCompanies = `
CREATE TABLE IF NOT EXISTS companies (
    id                     BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
    name                   VARCHAR(255) NOT NULL,
    contact_info           TEXT NULL,
    registered_by_agent_id BIGINT UNSIGNED NOT NULL,
    is_active              TINYINT(1) NOT NULL DEFAULT 1,
    created_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at             DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_companies_agent (registered_by_agent_id),
    CONSTRAINT fk_companies_agent FOREIGN KEY (registered_by_agent_id) REFERENCES users (id) ON DELETE RESTRICT
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// active_cashier_id is NULL for inactive rows, so the unique key allows any
// number of historical assignments but only one live one per cashier.
const createCashierAssignments = `
CREATE TABLE IF NOT EXISTS cashier_assignments (
    id                BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
    cashier_user_id   BIGINT UNSIGNED NOT NULL,
    company_id        BIGINT UNSIGNED NOT NULL,
    is_active         TINYINT(1) NOT NULL DEFAULT 1,
    active_cashier_id BIGINT UNSIGNED AS (IF(is_active = 1, cashier_user_id, NULL)) STORED,
    assigned_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uq_assignment_active_cashier (active_cashier_id),
    KEY idx_assignment_cashier_company (cashier_user_id, company_id),
    CONSTRAINT fk_assignment_cashier FOREIGN KEY (cashier_user_id) REFERENCES users (id) ON DELETE CASCADE,
    CONSTRAINT fk_assignment_company FOREIGN KEY (company_id) REFERENCES companies (id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const createGameSessions = `
CREATE TABLE IF NOT EXISTS game_sessions (
    id                 BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
    company_id         BIGINT UNSIGNED NOT NULL,
    cashier_user_id    BIGINT UNSIGNED NOT NULL,
    status             ENUM('pending','active','completed','cancelled') NOT NULL DEFAULT 'pending',
    winning_pattern    VARCHAR(32) NULL,
    jackpot_amount     DECIMAL(12,2) NOT NULL DEFAULT 0,
    numbers_called     JSON NOT NULL,
    last_called_number SMALLINT UNSIGNED NULL,
    start_time         DATETIME NULL,
    end_time           DATETIME NULL,
    created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_sessions_company (company_id, status),
    KEY idx_sessions_cashier (cashier_user_id),
    CONSTRAINT fk_sessions_company FOREIGN KEY (company_id) REFERENCES companies (id) ON DELETE CASCADE,
    CONSTRAINT fk_sessions_cashier FOREIGN KEY (cashier_user_id) REFERENCES users (id) ON DELETE RESTRICT
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const createTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id                     BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
    transaction_type       ENUM('player_buy_in','payout','agent_commission_payout','admin_commission') NOT NULL,
    amount                 DECIMAL(12,2) NOT NULL,
    game_session_id        BIGINT UNSIGNED NULL,
    user_id                BIGINT UNSIGNED NOT NULL,
    company_id             BIGINT UNSIGNED NULL,
    agent_id               BIGINT UNSIGNED NULL,
    card_id                BIGINT UNSIGNED NULL,
    related_transaction_id BIGINT UNSIGNED NULL,
    notes                  TEXT NULL,
    timestamp              DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    KEY idx_tx_session (game_session_id, transaction_type),
    KEY idx_tx_company (company_id, timestamp),
    KEY idx_tx_agent (agent_id, timestamp),
    KEY idx_tx_card (card_id),
    UNIQUE KEY uq_tx_compensates (related_transaction_id),
    CONSTRAINT chk_tx_amount CHECK (amount >= 0),
    CONSTRAINT fk_tx_session FOREIGN KEY (game_session_id) REFERENCES game_sessions (id) ON DELETE SET NULL,
    CONSTRAINT fk_tx_user FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE RESTRICT,
    CONSTRAINT fk_tx_company FOREIGN KEY (company_id) REFERENCES companies (id) ON DELETE SET NULL,
    CONSTRAINT fk_tx_agent FOREIGN KEY (agent_id) REFERENCES users (id) ON DELETE SET NULL,
    CONSTRAINT fk_tx_related FOREIGN KEY (related_transaction_id) REFERENCES transactions (id) ON DELETE RESTRICT
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const createBingoCards = `
CREATE TABLE IF NOT EXISTS bingo_cards (
    id                BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
    game_session_id   BIGINT UNSIGNED NOT NULL,
    player_identifier VARCHAR(255) NULL,
    card_data         JSON NOT NULL,
    is_winner         TINYINT(1) NOT NULL DEFAULT 0,
    purchase_price    DECIMAL(12,2) NOT NULL DEFAULT 0,
    transaction_id    BIGINT UNSIGNED NULL,
    created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    KEY idx_cards_session (game_session_id),
    CONSTRAINT fk_cards_session FOREIGN KEY (game_session_id) REFERENCES game_sessions (id) ON DELETE CASCADE,
    CONSTRAINT fk_cards_transaction FOREIGN KEY (transaction_id) REFERENCES transactions (id) ON DELETE SET NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

const createAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id        BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
    user_id   BIGINT UNSIGNED NULL,
    action    TEXT NOT NULL,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    KEY idx_audit_user (user_id),
    CONSTRAINT fk_audit_user FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE SET NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

// Schema lists the statements in dependency order.
var Schema = []string{
	createUsers,
	createRefreshTokens,
	createCompanies,
	createCashierAssignments,
	createGameSessions,
	createTransactions,
	createBingoCards,
	createAuditLog,
}
