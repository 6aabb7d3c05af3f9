package sqlitestore

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS quality_check_templates(
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  category TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME,
  updated_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_qct_category ON quality_check_templates(category);

CREATE TABLE IF NOT EXISTS quality_check_criteria(
  id TEXT PRIMARY KEY,
  template_id TEXT NOT NULL REFERENCES quality_check_templates(id) ON DELETE CASCADE,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_qcc_template ON quality_check_criteria(template_id);

CREATE TABLE IF NOT EXISTS purchase_orders(
  id TEXT PRIMARY KEY,
  order_number TEXT NOT NULL DEFAULT '',
  supplier_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT '',
  created_at DATETIME,
  updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS purchase_order_details(
  id TEXT PRIMARY KEY,
  purchase_order_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  variant_id TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  ordered_qty TEXT NOT NULL DEFAULT '0',
  cost_price TEXT NOT NULL DEFAULT '0',
  location TEXT NOT NULL DEFAULT '',
  sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pod_po ON purchase_order_details(purchase_order_id);

CREATE TABLE IF NOT EXISTS quality_checks(
  id TEXT PRIMARY KEY,
  purchase_order_id TEXT NOT NULL,
  template_id TEXT NOT NULL,
  template_name TEXT NOT NULL DEFAULT '',
  template_category TEXT NOT NULL DEFAULT '',
  checked_by TEXT NOT NULL,
  status TEXT NOT NULL,
  overall_result TEXT NOT NULL,
  step TEXT NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  needs_manual_resolution INTEGER NOT NULL DEFAULT 0,
  accepted_partial INTEGER NOT NULL DEFAULT 0,
  close_reason TEXT,
  checked_at DATETIME NOT NULL,
  completed_at DATETIME,
  inventory_converted_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_qc_po_created ON quality_checks(purchase_order_id, created_at);

CREATE TABLE IF NOT EXISTS quality_check_items(
  id TEXT PRIMARY KEY,
  quality_check_id TEXT NOT NULL REFERENCES quality_checks(id) ON DELETE CASCADE,
  purchase_order_line_item_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  variant_id TEXT NOT NULL DEFAULT '',
  product_name TEXT NOT NULL DEFAULT '',
  ordered_qty TEXT NOT NULL DEFAULT '0',
  criterion_id TEXT NOT NULL DEFAULT '',
  criterion_name TEXT NOT NULL DEFAULT '',
  sort_order INTEGER NOT NULL DEFAULT 0,
  result TEXT NOT NULL CHECK (result IN ('pass','fail','na')),
  quantity_checked TEXT NOT NULL DEFAULT '0',
  quantity_passed TEXT NOT NULL DEFAULT '0',
  quantity_failed TEXT NOT NULL DEFAULT '0',
  defect_type TEXT,
  defect_description TEXT,
  action_taken TEXT,
  notes TEXT,
  image_references TEXT NOT NULL DEFAULT '[]',
  inspected_at DATETIME,
  skipped_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_qci_qc ON quality_check_items(quality_check_id);

CREATE TABLE IF NOT EXISTS quality_check_histories(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  quality_check_id TEXT NOT NULL,
  action_type TEXT NOT NULL,
  from_step TEXT NOT NULL DEFAULT '',
  to_step TEXT NOT NULL DEFAULT '',
  reference_id TEXT NOT NULL DEFAULT '',
  before_value TEXT NOT NULL DEFAULT '',
  after_value TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL,
  user_id TEXT NOT NULL,
  user_name TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_qch_qc ON quality_check_histories(quality_check_id);

CREATE TABLE IF NOT EXISTS inventory_stocks(
  id TEXT PRIMARY KEY,
  quality_check_id TEXT NOT NULL,
  purchase_order_line_item_id TEXT NOT NULL,
  purchase_order_id TEXT NOT NULL,
  product_id TEXT NOT NULL,
  variant_id TEXT NOT NULL DEFAULT '',
  quantity TEXT NOT NULL,
  cost_price TEXT NOT NULL,
  selling_price TEXT NOT NULL,
  profit_margin_percentage TEXT NOT NULL,
  location TEXT NOT NULL,
  received_by TEXT NOT NULL,
  received_at DATETIME NOT NULL,
  created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_stock_qc_line ON inventory_stocks(quality_check_id, purchase_order_line_item_id);
CREATE INDEX IF NOT EXISTS idx_stock_po ON inventory_stocks(purchase_order_id);

CREATE TABLE IF NOT EXISTS inventory_conversions(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  quality_check_id TEXT NOT NULL UNIQUE,
  purchase_order_id TEXT NOT NULL,
  status TEXT NOT NULL,
  actor_id TEXT NOT NULL,
  profit_margin_percentage TEXT NOT NULL,
  default_location TEXT,
  created_count INTEGER NOT NULL DEFAULT 0,
  skipped_count INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  converted_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS quality_check_event_records(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  quality_check_id TEXT NOT NULL,
  purchase_order_id TEXT NOT NULL,
  occurred_at DATETIME NOT NULL,
  payload BLOB,
  publish_status TEXT NOT NULL DEFAULT 'PENDING',
  published_at DATETIME,
  pub_sub_message_id TEXT,
  publish_attempts INTEGER NOT NULL DEFAULT 0,
  next_attempt_at DATETIME,
  locked_at DATETIME,
  locked_by TEXT,
  last_publish_error TEXT,
  correlation_id TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_dispatch ON quality_check_event_records(publish_status, next_attempt_at, id);
`
